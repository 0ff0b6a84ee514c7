package deps

import (
	"context"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	tsJS "github.com/smacker/go-tree-sitter/javascript"
	tsTSX "github.com/smacker/go-tree-sitter/typescript/tsx"
	tsTS "github.com/smacker/go-tree-sitter/typescript/typescript"
)

const (
	importQuery  = `(import_statement source: (string) @imp.module)`
	exportQuery  = `(export_statement source: (string) @imp.module)`
	requireQuery = `(call_expression function: (identifier) @req arguments: (arguments (string) @imp.module))`
	dynamicQuery = `(call_expression function: (import) arguments: (arguments (string) @imp.module))`
)

// grammar holds a language and its compiled queries. Queries are safe to
// share; parsers are not, so each Scan creates its own.
type grammar struct {
	lang    *sitter.Language
	queries []*sitter.Query
}

// TreeSitterScanner parses JavaScript and TypeScript to find import
// statements, re-exports, dynamic imports and require calls. Other
// languages, and content the parser cannot handle, go to the regex scanner.
type TreeSitterScanner struct {
	max      int
	fallback *RegexScanner

	once     sync.Once
	grammars map[string]*grammar
}

// NewTreeSitterScanner creates a parser-backed scanner keeping at most max
// dependencies.
func NewTreeSitterScanner(max int) *TreeSitterScanner {
	if max <= 0 {
		max = DefaultMax
	}
	return &TreeSitterScanner{max: max, fallback: NewRegexScanner(max)}
}

func (s *TreeSitterScanner) load() {
	s.grammars = make(map[string]*grammar)
	for name, lang := range map[string]*sitter.Language{
		"javascript": tsJS.GetLanguage(),
		"typescript": tsTS.GetLanguage(),
		"tsx":        tsTSX.GetLanguage(),
	} {
		g := &grammar{lang: lang}
		for _, q := range []string{importQuery, exportQuery, requireQuery, dynamicQuery} {
			if compiled, err := sitter.NewQuery([]byte(q), lang); err == nil {
				g.queries = append(g.queries, compiled)
			}
		}
		s.grammars[name] = g
	}
}

// Supports reports whether the language is parsed rather than matched.
func (s *TreeSitterScanner) Supports(language string) bool {
	s.once.Do(s.load)
	_, ok := s.grammars[Normalize(language)]
	return ok
}

// Scan returns the dependencies found in content.
func (s *TreeSitterScanner) Scan(language string, content []byte) []string {
	s.once.Do(s.load)
	g, ok := s.grammars[Normalize(language)]
	if !ok {
		return s.fallback.Scan(language, content)
	}

	found, err := s.parse(g, content)
	if err != nil {
		return s.fallback.Scan(language, content)
	}
	return collect(found, s.max)
}

func (s *TreeSitterScanner) parse(g *grammar, content []byte) ([]match, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	root := tree.RootNode()

	var found []match
	for _, q := range g.queries {
		qc := sitter.NewQueryCursor()
		qc.Exec(q, root)
		for {
			m, ok := qc.NextMatch()
			if !ok {
				break
			}
			var module *sitter.Node
			keep := true
			for _, c := range m.Captures {
				switch q.CaptureNameForId(c.Index) {
				case "imp.module":
					module = c.Node
				case "req":
					keep = c.Node.Content(content) == "require"
				}
			}
			if keep && module != nil {
				found = append(found, match{
					pos:  int(module.StartByte()),
					name: unquote(module.Content(content)),
				})
			}
		}
		qc.Close()
	}
	return found, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		switch s[0] {
		case '"', '\'', '`':
			if s[len(s)-1] == s[0] {
				return s[1 : len(s)-1]
			}
		}
	}
	return s
}
