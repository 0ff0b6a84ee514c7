package watch

import (
	"path/filepath"
	"strings"
)

// languages maps file extensions to language identifiers. Identifiers match
// the ones editors report, so the dependency scanner's aliases apply.
var languages = map[string]string{
	".go":    "go",
	".py":    "python",
	".pyi":   "python",
	".js":    "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".jsx":   "javascriptreact",
	".ts":    "typescript",
	".mts":   "typescript",
	".cts":   "typescript",
	".tsx":   "tsx",
	".java":  "java",
	".kt":    "kotlin",
	".kts":   "kotlin",
	".rs":    "rust",
	".rb":    "ruby",
	".php":   "php",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".cxx":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shellscript",
	".bash":  "shellscript",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".scss":  "scss",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".md":    "markdown",
	".vue":   "vue",
}

var filenames = map[string]string{
	"Dockerfile": "dockerfile",
	"Makefile":   "makefile",
	"go.mod":     "go.mod",
}

// LanguageFor returns the language identifier for path, or "" if unknown.
func LanguageFor(path string) string {
	base := filepath.Base(path)
	if lang, ok := filenames[base]; ok {
		return lang
	}
	return languages[strings.ToLower(filepath.Ext(base))]
}
