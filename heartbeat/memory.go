package heartbeat

import (
	"context"
	"sync"
)

// MemorySink records delivered batches in memory. FailNext and Fail let tests
// script delivery failures.
type MemorySink struct {
	mu      sync.Mutex
	batches [][]Heartbeat
	failure []error // consumed one per call
	always  error
	calls   int
	block   chan struct{}
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// SendOne records a single heartbeat.
func (s *MemorySink) SendOne(ctx context.Context, hb Heartbeat) error {
	return s.send(ctx, []Heartbeat{hb})
}

// SendMany records a batch.
func (s *MemorySink) SendMany(ctx context.Context, hbs []Heartbeat) error {
	return s.send(ctx, hbs)
}

func (s *MemorySink) send(ctx context.Context, hbs []Heartbeat) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failure) > 0 {
		err := s.failure[0]
		s.failure = s.failure[1:]
		if err != nil {
			return err
		}
	} else if s.always != nil {
		return s.always
	}

	batch := make([]Heartbeat, len(hbs))
	for i := range hbs {
		batch[i] = hbs[i].Clone()
	}
	s.batches = append(s.batches, batch)
	return nil
}

// FailNext queues errors returned by the next calls, one per call. A nil
// entry lets that call succeed.
func (s *MemorySink) FailNext(errs ...error) {
	s.mu.Lock()
	s.failure = append(s.failure, errs...)
	s.mu.Unlock()
}

// Fail makes every call return err until Fail(nil).
func (s *MemorySink) Fail(err error) {
	s.mu.Lock()
	s.always = err
	s.mu.Unlock()
}

// Block holds every delivery until the returned function is called or the
// delivery context ends.
func (s *MemorySink) Block() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.block = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Batches returns the accepted batches in delivery order.
func (s *MemorySink) Batches() [][]Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Heartbeat, len(s.batches))
	copy(out, s.batches)
	return out
}

// Delivered returns every accepted heartbeat in delivery order.
func (s *MemorySink) Delivered() []Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Heartbeat
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// Calls returns how many deliveries were attempted.
func (s *MemorySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Clear forgets recorded batches.
func (s *MemorySink) Clear() {
	s.mu.Lock()
	s.batches = nil
	s.calls = 0
	s.mu.Unlock()
}
