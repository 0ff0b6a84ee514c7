package deps

import (
	"regexp"
	"strings"
)

// rule captures a dependency name in group 1. When inner is set, group 1 is
// a block that inner is applied to, e.g. a Go import ( ... ) list.
type rule struct {
	re    *regexp.Regexp
	inner *regexp.Regexp
	trim  func(string) string
}

var (
	jsRules = []rule{
		{re: regexp.MustCompile(`(?m)^[ \t]*import\s+(?:type\s+)?(?:[\w*${}\s,]+?\s+from\s+)?['"]([^'"\n]+)['"]`)},
		{re: regexp.MustCompile(`(?m)^[ \t]*export\s+(?:type\s+)?[\w*${}\s,]+?\s+from\s+['"]([^'"\n]+)['"]`)},
		{re: regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"\n]+)['"]\s*\)`)},
		{re: regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"\n]+)['"]\s*\)`)},
	}

	rules = map[string][]rule{
		"javascript": jsRules,
		"typescript": jsRules,
		"tsx":        jsRules,
		"python": {
			{re: regexp.MustCompile(`(?m)^[ \t]*import\s+([\w.]+)`)},
			{re: regexp.MustCompile(`(?m)^[ \t]*from\s+([\w.]+)\s+import\b`)},
		},
		"java": {
			{re: regexp.MustCompile(`(?m)^[ \t]*import\s+(?:static\s+)?([\w.]+(?:\.\*)?)\s*;`)},
		},
		"kotlin": {
			{re: regexp.MustCompile(`(?m)^[ \t]*import\s+([\w.]+(?:\.\*)?)`)},
		},
		"go": {
			{re: regexp.MustCompile(`(?m)^[ \t]*import\s+(?:[\w.]+\s+)?"([^"\n]+)"`)},
			{
				re:    regexp.MustCompile(`(?ms)^[ \t]*import\s*\((.*?)\)`),
				inner: regexp.MustCompile(`(?m)^[ \t]*(?:[\w.]+\s+)?"([^"\n]+)"`),
			},
		},
		"rust": {
			{re: regexp.MustCompile(`(?m)^[ \t]*(?:pub\s+)?use\s+(?:::)?(\w+)`), trim: rustCrate},
			{re: regexp.MustCompile(`(?m)^[ \t]*extern\s+crate\s+(\w+)`)},
		},
		"ruby": {
			{re: regexp.MustCompile(`(?m)^[ \t]*require(?:_relative)?\s*\(?\s*['"]([^'"\n]+)['"]`)},
		},
		"php": {
			{re: regexp.MustCompile(`(?m)^[ \t]*use\s+([\w\\]+)`)},
			{re: regexp.MustCompile(`(?m)^[ \t]*(?:require|include)(?:_once)?\s*\(?\s*['"]([^'"\n]+)['"]`)},
		},
		"c": {
			{re: regexp.MustCompile(`(?m)^[ \t]*#[ \t]*include\s*[<"]([^>"\n]+)[>"]`)},
		},
		"cpp": {
			{re: regexp.MustCompile(`(?m)^[ \t]*#[ \t]*include\s*[<"]([^>"\n]+)[>"]`)},
		},
		"csharp": {
			{re: regexp.MustCompile(`(?m)^[ \t]*using\s+(?:static\s+)?([\w.]+)\s*;`)},
		},
	}
)

// rustCrate drops path roots that refer to the current crate.
func rustCrate(name string) string {
	switch name {
	case "crate", "self", "super", "std", "core", "alloc":
		return ""
	}
	return name
}

// RegexScanner matches import statements with per-language regular
// expressions anchored to statement syntax.
type RegexScanner struct {
	max int
}

// NewRegexScanner creates a scanner keeping at most max dependencies
// (DefaultMax when max <= 0).
func NewRegexScanner(max int) *RegexScanner {
	if max <= 0 {
		max = DefaultMax
	}
	return &RegexScanner{max: max}
}

// Supports reports whether the language has rules.
func (s *RegexScanner) Supports(language string) bool {
	_, ok := rules[Normalize(language)]
	return ok
}

// Scan returns the dependencies found in content.
func (s *RegexScanner) Scan(language string, content []byte) []string {
	return collect(s.find(language, content), s.max)
}

func (s *RegexScanner) find(language string, content []byte) []match {
	var found []match
	for _, r := range rules[Normalize(language)] {
		for _, loc := range r.re.FindAllSubmatchIndex(content, -1) {
			if loc[2] < 0 {
				continue
			}
			if r.inner == nil {
				found = append(found, match{pos: loc[2], name: r.name(content[loc[2]:loc[3]])})
				continue
			}
			block := content[loc[2]:loc[3]]
			for _, in := range r.inner.FindAllSubmatchIndex(block, -1) {
				found = append(found, match{pos: loc[2] + in[2], name: r.name(block[in[2]:in[3]])})
			}
		}
	}
	return found
}

func (r rule) name(b []byte) string {
	name := strings.TrimSpace(string(b))
	if r.trim != nil {
		name = r.trim(name)
	}
	return name
}
