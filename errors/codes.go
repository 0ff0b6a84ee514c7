package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where a later flush may succeed.
	// Examples: network timeouts, remote 5xx responses.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retrying the same data will not help
	// until something outside the emitter changes (credentials, payload).
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates quota or capacity exhaustion.
	// Examples: remote rate limiting, buffer ceiling reached.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for delivery and pipeline failures.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Remote returned 5xx
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Connection could not be made
	ErrCodeRetryLater  ErrorCode = "RETRY_LATER" // Remote asked us to come back later

	// Permanent errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed heartbeat or payload rejected
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"  // Missing or rejected API key
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"     // Key valid but not allowed
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Endpoint or resource missing
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"   // Language or operation not supported
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Caller canceled the operation

	// Resource errors
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED" // Remote rate limit exceeded
	ErrCodeCapacity  ErrorCode = "CAPACITY"     // Local buffer ceiling reached

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeRetryLater:
		return CategoryTransient

	case ErrCodeInvalidInput, ErrCodeUnauthorized, ErrCodeForbidden, ErrCodeNotFound,
		ErrCodeUnsupported, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeRateLimit, ErrCodeCapacity:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// IsConfiguration reports whether the code means the emitter is misconfigured
// (credentials) rather than the data being bad.
func (c ErrorCode) IsConfiguration() bool {
	return c == ErrCodeUnauthorized || c == ErrCodeForbidden
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "operation timed out",
	ErrCodeUnavailable:  "service temporarily unavailable",
	ErrCodeNetworkErr:   "network connectivity error",
	ErrCodeRetryLater:   "server requested retry later",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeUnauthorized: "missing or invalid API key",
	ErrCodeForbidden:    "access denied",
	ErrCodeNotFound:     "resource not found",
	ErrCodeUnsupported:  "operation not supported",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeRateLimit:    "rate limit exceeded",
	ErrCodeCapacity:     "buffer at capacity",
	ErrCodeInternal:     "internal error",
	ErrCodePanic:        "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
