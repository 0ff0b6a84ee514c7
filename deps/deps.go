// Package deps finds the import and require targets of a source file.
//
// Two scanners are provided: RegexScanner, which matches statement syntax
// line by line for a range of languages, and TreeSitterScanner, which parses
// JavaScript and TypeScript and falls back to regular expressions for
// everything else. Both return dependencies in the order they first appear,
// without duplicates, capped at a maximum count.
package deps

import "sort"

// DefaultMax is the number of dependencies kept per heartbeat.
const DefaultMax = 10

// Scanner extracts dependencies from file content. Unknown languages yield
// an empty result, never an error.
type Scanner interface {
	Scan(language string, content []byte) []string
}

// match is one dependency found at a byte offset.
type match struct {
	pos  int
	name string
}

// collect orders matches by position, drops duplicates and caps the result.
func collect(found []match, max int) []string {
	if len(found) == 0 {
		return nil
	}
	if max <= 0 {
		max = DefaultMax
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	seen := make(map[string]struct{}, len(found))
	out := make([]string, 0, min(len(found), max))
	for _, m := range found {
		if m.name == "" {
			continue
		}
		if _, dup := seen[m.name]; dup {
			continue
		}
		seen[m.name] = struct{}{}
		out = append(out, m.name)
		if len(out) == max {
			break
		}
	}
	return out
}

// Normalize maps editor language identifiers and common aliases to the
// names used by the scanners.
func Normalize(language string) string {
	switch language {
	case "js", "jsx", "javascriptreact", "mjs", "cjs":
		return "javascript"
	case "ts", "typescriptreact":
		return "typescript"
	case "tsx":
		return "tsx"
	case "py":
		return "python"
	case "golang":
		return "go"
	case "rs":
		return "rust"
	case "rb":
		return "ruby"
	case "c++", "cc", "cxx", "h", "hpp":
		return "cpp"
	case "cs", "c#":
		return "csharp"
	default:
		return language
	}
}
