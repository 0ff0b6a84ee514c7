// Package errors provides the structured error taxonomy used across activitykit.
//
// Every failure that crosses a package boundary (a rejected heartbeat, a failed
// delivery, a missing API key) is an *Error carrying a code and a category.
// The buffered emitter uses the category to decide what happens to a batch:
//
//   - Transient: re-buffered and retried on the next flush (network errors, 5xx)
//   - Resource: re-buffered, with backoff (rate limits, buffer ceiling)
//   - Permanent: configuration problems keep buffering; rejected input is dead-lettered
//   - Internal: bugs and recovered panics
//
// # Usage
//
//	err := errors.Unauthorized("no API key configured")
//
//	if errors.IsConfiguration(err) {
//	    // surface once through the status indicator
//	}
//
// Errors serialise to JSON so the dead-letter store can keep the reason a
// batch was parked:
//
//	data, _ := json.Marshal(err)
package errors
