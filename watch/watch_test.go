package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/tracker"
)

type recordingHandler struct {
	mu      sync.Mutex
	signals []tracker.Signal
	ch      chan tracker.Signal
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan tracker.Signal, 256)}
}

func (h *recordingHandler) Handle(ctx context.Context, sig tracker.Signal) bool {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	select {
	case h.ch <- sig:
	default:
	}
	return true
}

// waitFor returns the first signal for entity with the given kind.
func (h *recordingHandler) waitFor(t *testing.T, entity string, kind tracker.SignalKind) tracker.Signal {
	t.Helper()
	return h.waitMatch(t, entity, kind, func(tracker.Signal) bool { return true })
}

func (h *recordingHandler) waitMatch(t *testing.T, entity string, kind tracker.SignalKind, match func(tracker.Signal) bool) tracker.Signal {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sig := <-h.ch:
			if sig.Entity == entity && sig.Kind == kind && match(sig) {
				return sig
			}
		case <-deadline:
			t.Fatalf("no %s signal for %s", kind, entity)
			return tracker.Signal{}
		}
	}
}

func (h *recordingHandler) seen(entity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.signals {
		if s.Entity == entity {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, cfg Config) (*Watcher, *recordingHandler) {
	t.Helper()
	h := newRecordingHandler()
	w, err := New(cfg, h, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, h
}

func TestLanguageFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", "go"},
		{"/src/app.PY", "python"},
		{"component.tsx", "tsx"},
		{"index.jsx", "javascriptreact"},
		{"lib.rs", "rust"},
		{"Dockerfile", "dockerfile"},
		{"notes.unknownext", ""},
		{"README", ""},
	}
	for _, tt := range tests {
		if got := LanguageFor(tt.path); got != tt.want {
			t.Errorf("LanguageFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one\n", 1},
		{"one\ntwo", 2},
		{"one\ntwo\n\n", 3},
	}
	for _, tt := range tests {
		if got := countLines([]byte(tt.in)); got != tt.want {
			t.Errorf("countLines(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNewRequiresRoots(t *testing.T) {
	if _, err := New(Config{}, newRecordingHandler()); err != ErrNoRoots {
		t.Errorf("expected ErrNoRoots, got %v", err)
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	if _, err := New(Config{Roots: []string{t.TempDir()}, Ignore: []string{"["}}, newRecordingHandler()); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestIgnored(t *testing.T) {
	root := t.TempDir()
	w, err := New(Config{Roots: []string{root}, Ignore: []string{"node_modules", "*.swp", "gen/*.go"}}, newRecordingHandler())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		rel  string
		want bool
	}{
		{"main.go", false},
		{"node_modules", true},
		{"node_modules/pkg/index.js", true},
		{".main.go.swp", true},
		{"gen/types.go", true},
		{"pkg/gen.go", false},
	}
	for _, tt := range tests {
		if got := w.ignored(filepath.Join(root, tt.rel)); got != tt.want {
			t.Errorf("ignored(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestWatcherCreateAndWrite(t *testing.T) {
	root := t.TempDir()
	_, h := startWatcher(t, Config{Roots: []string{root}})

	path := filepath.Join(root, "main.go")
	src := "package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Println() }\n"
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	open := h.waitFor(t, path, tracker.SignalOpen)
	if open.Language != "go" {
		t.Errorf("expected go, got %q", open.Language)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("// tail\n")
	f.Close()

	save := h.waitMatch(t, path, tracker.SignalSave, func(s tracker.Signal) bool {
		return strings.HasSuffix(string(s.Content), "// tail\n")
	})
	if save.Lines != 6 {
		t.Errorf("expected 6 lines, got %d", save.Lines)
	}
	if string(save.Content) != src+"// tail\n" {
		t.Errorf("unexpected content %q", save.Content)
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	_, h := startWatcher(t, Config{Roots: []string{root}})

	dir := filepath.Join(root, "pkg")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// Retry until the new directory is being watched.
	path := filepath.Join(dir, "util.py")
	deadline := time.Now().Add(5 * time.Second)
	for !h.seen(path) {
		if time.Now().After(deadline) {
			t.Fatal("no signal from new directory")
		}
		os.WriteFile(path, []byte("import os\n"), 0644)
		time.Sleep(50 * time.Millisecond)
	}
}

func TestWatcherSkipsIgnored(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	w, h := startWatcher(t, Config{Roots: []string{root}})

	for _, dir := range w.WatchList() {
		if filepath.Base(dir) == "node_modules" || filepath.Base(dir) == "lib" {
			t.Errorf("ignored directory watched: %s", dir)
		}
	}

	ignored := filepath.Join(root, "scratch.swp")
	os.WriteFile(ignored, []byte("x"), 0644)
	marker := filepath.Join(root, "marker.txt")
	os.WriteFile(marker, []byte("x"), 0644)
	h.waitFor(t, marker, tracker.SignalOpen)

	if h.seen(ignored) {
		t.Error("signal for ignored file")
	}
}

func TestWatcherTruncatesLargeFiles(t *testing.T) {
	root := t.TempDir()
	_, h := startWatcher(t, Config{Roots: []string{root}, MaxContentBytes: 8})

	path := filepath.Join(root, "big.txt")
	os.WriteFile(path, []byte("0123456789\nabcdef\n"), 0644)

	sig := h.waitFor(t, path, tracker.SignalOpen)
	if len(sig.Content) > 8 {
		t.Errorf("content not bounded: %d bytes", len(sig.Content))
	}
	if sig.Lines != 0 && len(sig.Content) == 8 {
		t.Errorf("expected unknown line count for truncated file, got %d", sig.Lines)
	}
}

func TestWatcherStartStop(t *testing.T) {
	w, err := New(Config{Roots: []string{t.TempDir()}}, newRecordingHandler(), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStartMissingRoot(t *testing.T) {
	w, err := New(Config{Roots: []string{filepath.Join(t.TempDir(), "missing")}}, newRecordingHandler())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err == nil {
		w.Stop()
		t.Error("expected error for missing root")
	}
}
