package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the wrapper keeps its code, category and context.
// Otherwise context errors map to TIMEOUT/CANCELED and anything else to INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var actErr *Error
	if errors.As(err, &actErr) {
		wrapped := &Error{
			code:      actErr.code,
			category:  actErr.category,
			message:   message,
			cause:     err,
			metadata:  actErr.Metadata(),
			retryable: actErr.retryable,
			timestamp: actErr.timestamp,
			entity:    actErr.entity,
			batchSize: actErr.batchSize,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsActivityError extracts an ActivityError from an error chain.
// Returns nil if none is found.
func AsActivityError(err error) ActivityError {
	var actErr *Error
	if errors.As(err, &actErr) {
		return actErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var actErr *Error
	if errors.As(err, &actErr) {
		return actErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var actErr *Error
	if errors.As(err, &actErr) {
		return actErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Plain errors are treated as retryable: an unclassified delivery failure is
// most likely a transport problem, and dropping data on it would be worse.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var actErr *Error
	if errors.As(err, &actErr) {
		return actErr.Retryable()
	}
	return true
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// IsConfiguration checks if the error means credentials are missing or rejected.
func IsConfiguration(err error) bool {
	return Code(err).IsConfiguration()
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not an *Error.
func Code(err error) ErrorCode {
	var actErr *Error
	if errors.As(err, &actErr) {
		return actErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
func Category(err error) ErrorCategory {
	var actErr *Error
	if errors.As(err, &actErr) {
		return actErr.category
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
// If all errors are nil, returns nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
