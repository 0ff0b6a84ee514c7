package tracker

import "fmt"

// SignalKind is the editor event that produced a signal.
type SignalKind string

const (
	SignalOpen      SignalKind = "open"
	SignalChange    SignalKind = "change"
	SignalSave      SignalKind = "save"
	SignalFocus     SignalKind = "focus"
	SignalSelection SignalKind = "selection"
)

// Signal is a raw activity observation from a source such as a file watcher
// or an editor integration.
type Signal struct {
	Kind     SignalKind
	Entity   string
	Language string

	// Lines is the total line count. Line and Column are 1-based; zero
	// means unknown.
	Lines  int
	Line   int
	Column int

	// Content is scanned for dependencies when set.
	Content []byte

	// Category overrides the emitter's current category.
	Category string
}

// Significant reports whether the signal bypasses debouncing.
func (s Signal) Significant() bool {
	return s.Kind == SignalSave
}

// Validate checks that the signal can become a heartbeat.
func (s Signal) Validate() error {
	if s.Entity == "" {
		return fmt.Errorf("signal has no entity")
	}
	switch s.Kind {
	case SignalOpen, SignalChange, SignalSave, SignalFocus, SignalSelection:
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if s.Lines < 0 || s.Line < 0 || s.Column < 0 {
		return fmt.Errorf("negative position for %s", s.Entity)
	}
	return nil
}
