package heartbeat

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
)

// FileSink appends heartbeats to a file as JSON lines. Useful for offline
// capture and for replaying into another sink later.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens path for appending, creating it if needed.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open heartbeat file: %w", err)
	}
	return &FileSink{file: file}, nil
}

func (s *FileSink) SendOne(ctx context.Context, hb Heartbeat) error {
	return s.SendMany(ctx, []Heartbeat{hb})
}

// SendMany writes the batch in one write so a batch is never half on disk
// from the reader's point of view.
func (s *FileSink) SendMany(ctx context.Context, hbs []Heartbeat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf []byte
	for i := range hbs {
		line, err := json.Marshal(&hbs[i])
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("write heartbeats: %w", err)
	}
	return nil
}

// Sync commits written heartbeats to stable storage.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close syncs and closes the file.
func (s *FileSink) Close() error {
	s.Sync()
	return s.file.Close()
}

// ReadFile reads heartbeats written by a FileSink.
func ReadFile(path string) ([]Heartbeat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Heartbeat
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		hb, err := Unmarshal(sc.Bytes())
		if err != nil {
			return out, fmt.Errorf("parse heartbeat line %d: %w", len(out)+1, err)
		}
		out = append(out, *hb)
	}
	return out, sc.Err()
}
