package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// bucket implements a token bucket.
type bucket struct {
	configured int           // capacity from SetCapacity
	capacity   int           // current capacity, halved by Reduce
	available  int           // current tokens
	window     time.Duration // refill window
	lastRefill time.Time
	reducedAt  time.Time
	reductions int
	reason     string
}

// interval is the time to earn one token.
func (b *bucket) interval() time.Duration {
	return b.window / time.Duration(b.capacity)
}

// refill adds tokens earned since lastRefill, carrying the remainder, and
// restores capacity one doubling per quiet window.
func (b *bucket) refill(now time.Time) {
	if b.capacity < b.configured && !b.reducedAt.IsZero() {
		for b.capacity < b.configured && now.Sub(b.reducedAt) >= b.window {
			b.capacity *= 2
			if b.capacity > b.configured {
				b.capacity = b.configured
			}
			b.reducedAt = b.reducedAt.Add(b.window)
		}
	}

	step := b.interval()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < step || step <= 0 {
		return
	}
	tokens := int(elapsed / step)
	b.available += tokens
	b.lastRefill = b.lastRefill.Add(time.Duration(tokens) * step)
	if b.available >= b.capacity {
		b.available = b.capacity
		b.lastRefill = now
	}
}

// wait returns how long until the next token.
func (b *bucket) wait(now time.Time) time.Duration {
	d := b.interval() - now.Sub(b.lastRefill)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// MemoryLimiter provides local rate limiting using token buckets.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	closeCh chan struct{}
	clock   quartz.Clock
}

// NewMemoryLimiter creates an in-memory rate limiter. A nil clock uses the
// real clock.
func NewMemoryLimiter(clock quartz.Clock) *MemoryLimiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		closeCh: make(chan struct{}),
		clock:   clock,
	}
}

// SetCapacity configures the rate limit for a resource.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	now := m.clock.Now("ratelimit", "set")
	if b, exists := m.buckets[resource]; exists {
		b.configured = capacity
		b.capacity = capacity
		b.window = window
		b.reducedAt = time.Time{}
		if b.available > capacity {
			b.available = capacity
		}
		return
	}
	m.buckets[resource] = &bucket{
		configured: capacity,
		capacity:   capacity,
		available:  capacity, // start full
		window:     window,
		lastRefill: now,
	}
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[resource]
	if !exists {
		return nil
	}
	b.refill(m.clock.Now("ratelimit", "capacity"))

	return &Capacity{
		Resource:   resource,
		Available:  b.available,
		Total:      b.capacity,
		Configured: b.configured,
		Window:     b.window,
		Reductions: b.reductions,
		LastReason: b.reason,
	}
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		wait, err := m.take(resource)
		if err != nil || wait == 0 {
			return err
		}

		timer := m.clock.NewTimer(wait, "ratelimit", "acquire")
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.closeCh:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// take consumes a token, or returns how long to wait for one.
func (m *MemoryLimiter) take(resource string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	b, exists := m.buckets[resource]
	if !exists {
		return 0, ErrResourceUnknown
	}

	now := m.clock.Now("ratelimit", "take")
	b.refill(now)
	if b.available > 0 {
		b.available--
		return 0, nil
	}
	return b.wait(now), nil
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	wait, err := m.take(resource)
	return err == nil && wait == 0
}

// Reduce halves the resource's capacity, never below one token.
func (m *MemoryLimiter) Reduce(resource string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[resource]
	if !exists {
		return
	}
	now := m.clock.Now("ratelimit", "reduce")
	b.refill(now)

	b.capacity /= 2
	if b.capacity < 1 {
		b.capacity = 1
	}
	if b.available > b.capacity {
		b.available = b.capacity
	}
	b.reducedAt = now
	b.reductions++
	b.reason = reason
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

// Ensure MemoryLimiter implements RateLimiter.
var _ RateLimiter = (*MemoryLimiter)(nil)
