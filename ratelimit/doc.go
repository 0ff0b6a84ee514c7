// Package ratelimit budgets requests to remote APIs.
//
// The MemoryLimiter is a token bucket per resource:
//
//	limiter := ratelimit.NewMemoryLimiter(nil)
//	limiter.SetCapacity("wakatime", 60, time.Minute) // 60 requests per minute
//
//	// Block until a token is available
//	if err := limiter.Acquire(ctx, "wakatime"); err != nil {
//	    return err // context cancelled
//	}
//
//	// Non-blocking attempt
//	if limiter.TryAcquire("wakatime") {
//	    // Make request
//	}
//
// # Algorithm
//
//   - Tokens are added at capacity/window, fractional progress carries over
//   - Each Acquire consumes one token
//   - If no tokens are available, Acquire waits for the next one (or
//     TryAcquire returns false)
//   - Reduce halves capacity after the remote signals overload; each quiet
//     window doubles it back up to the configured value
//
// Time comes from a quartz.Clock, so tests drive refills with a mock clock.
package ratelimit
