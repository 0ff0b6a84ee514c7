// Package watch turns file system activity into tracker signals.
//
// A Watcher recursively watches directory trees with fsnotify. A newly
// created file becomes an open signal and a write becomes a save signal,
// carrying the file's language, line count and (size bounded) content for
// dependency scanning.
package watch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/tracker"
)

// DefaultMaxContentBytes bounds how much of a file is read per signal.
const DefaultMaxContentBytes = 256 << 10

// DefaultIgnore lists patterns skipped unless Config.Ignore is set.
var DefaultIgnore = []string{
	".git", ".hg", ".svn", "node_modules", "vendor", "dist", "build",
	".idea", ".vscode", "__pycache__", "*.swp", "*.swx", "*~", ".DS_Store", "*.tmp",
}

// Common errors.
var (
	ErrAlreadyStarted = errors.New("watcher already started")
	ErrNoRoots        = errors.New("no directories to watch")
)

// Config configures a Watcher.
type Config struct {
	// Roots are the directory trees to watch.
	Roots []string

	// Ignore holds glob patterns matched against each path's base name and
	// its slash-separated path relative to the root.
	// Default: DefaultIgnore
	Ignore []string

	// MaxContentBytes bounds the content attached to a signal. Files larger
	// than this report no line count.
	// Default: 256 KiB
	MaxContentBytes int64
}

// Handler consumes signals. *tracker.Tracker implements it.
type Handler interface {
	Handle(ctx context.Context, sig tracker.Signal) bool
}

// Watcher watches directory trees.
type Watcher struct {
	cfg     Config
	roots   []string
	handler Handler
	logger  *logging.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher that sends signals to h.
func New(cfg Config, h Handler, opts ...Option) (*Watcher, error) {
	if len(cfg.Roots) == 0 {
		return nil, ErrNoRoots
	}
	if cfg.Ignore == nil {
		cfg.Ignore = DefaultIgnore
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	for _, p := range cfg.Ignore {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, err
		}
	}

	w := &Watcher{
		cfg:     cfg,
		handler: h,
		logger:  logging.New().WithComponent("watch"),
	}
	for _, root := range cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		w.roots = append(w.roots, abs)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start adds every directory under the roots and begins delivering signals.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			fsw.Close()
			return err
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.started = true
	go w.loop(ctx, fsw)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	w.cancel()
	fsw, done := w.fsw, w.done
	w.mu.Unlock()

	err := fsw.Close()
	<-done
	return err
}

// WatchList returns the directories currently watched.
func (w *Watcher) WatchList() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}
	return w.fsw.WatchList()
}

// addTree watches dir and all its non-ignored subdirectories.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("walk_error", map[string]interface{}{"path": path, "error": err.Error()})
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			if path == dir {
				return err
			}
			w.logger.Warn("watch_failed", map[string]interface{}{"path": path, "error": err.Error()})
		}
		return nil
	})
}

// ignored reports whether path matches an ignore pattern.
func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	rel := ""
	for _, root := range w.roots {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = filepath.ToSlash(r)
			break
		}
	}
	for _, p := range w.cfg.Ignore {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if rel != "" {
			if ok, _ := filepath.Match(p, rel); ok {
				return true
			}
			// A pattern naming a directory also covers everything below it.
			for _, part := range strings.Split(rel, "/") {
				if ok, _ := filepath.Match(p, part); ok {
					return true
				}
			}
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch_error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	var kind tracker.SignalKind
	switch {
	case event.Has(fsnotify.Create):
		kind = tracker.SignalOpen
	case event.Has(fsnotify.Write):
		kind = tracker.SignalSave
	default:
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if kind == tracker.SignalOpen {
			w.mu.Lock()
			if w.started {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("watch_failed", map[string]interface{}{"path": event.Name, "error": err.Error()})
				}
			}
			w.mu.Unlock()
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	sig := tracker.Signal{
		Kind:     kind,
		Entity:   event.Name,
		Language: LanguageFor(event.Name),
	}
	content, complete, err := readBounded(event.Name, w.cfg.MaxContentBytes)
	if err == nil {
		sig.Content = content
		if complete {
			sig.Lines = countLines(content)
		}
	}
	w.handler.Handle(ctx, sig)
}

// readBounded reads at most max bytes and reports whether that was the
// whole file.
func readBounded(path string, max int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return data[:max], false, nil
	}
	return data, true, nil
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte{'\n'})
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}
