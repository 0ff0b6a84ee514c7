package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// RateLimiter budgets requests to remote resources.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if ctx ends first.
	// Returns ErrResourceUnknown if the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire attempts to acquire a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity configures capacity tokens per window for a resource.
	// A non-positive capacity or window removes the limit.
	SetCapacity(resource string, capacity int, window time.Duration)

	// Reduce halves the resource's capacity, e.g. after a 429 response.
	// Capacity doubles back towards the configured value after each window
	// without a further reduction.
	Reduce(resource string, reason string)

	// GetCapacity returns the current capacity info, or nil if unknown.
	GetCapacity(resource string) *Capacity

	// Close wakes all waiters with ErrClosed.
	Close() error
}

// Capacity describes the rate limit state of a resource.
type Capacity struct {
	Resource string

	// Available is the current number of tokens.
	Available int

	// Total is the current capacity, which may be below Configured after
	// a reduction.
	Total      int
	Configured int

	// Window is the refill period.
	Window time.Duration

	// Reductions counts calls to Reduce.
	Reductions int
	LastReason string
}
