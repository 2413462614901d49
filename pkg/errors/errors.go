// Package errors provides the error types and wrapping helpers used
// throughout drivesync. It mirrors the small, dependency-free error
// package style used across the rest of the code: typed errors for
// conditions callers need to switch on, plus lightweight context
// wrapping for everything else.
package errors

import (
	"fmt"
)

// New creates an error from a format string, analogous to fmt.Errorf but
// kept in this package so call sites only need to import pkg/errors.
func New(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// contextErr wraps an underlying error with a short description of the
// operation that failed. Unwrap is implemented so errors.Is/As from the
// standard library still work across the wrap.
type contextErr struct {
	context string
	cause   error
}

func (e contextErr) Error() string {
	return fmt.Sprintf("%s: %s", e.context, e.cause)
}

func (e contextErr) Unwrap() error {
	return e.cause
}

// WithContext wraps err with a short description of what the caller was
// attempting. Returns nil if err is nil, so it's safe to use as
// `return errors.WithContext(err, "...")` at the end of a function.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextErr{context: context, cause: err}
}

// FriendlyError is an error meant to be shown to the user verbatim,
// without a stack of "failed to X: failed to Y" context wrapping.
type FriendlyError struct {
	message string
}

func (e FriendlyError) Error() string {
	return e.message
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{message: fmt.Sprintf(format, args...)}
}

// Unmarshal combines a transport-level error with a logical error reported
// inside a successful response body. transportErr takes precedence; if nil,
// and resp reports a non-empty error string, that string becomes the error.
func Unmarshal(transportErr error, resp string) error {
	if transportErr != nil {
		return transportErr
	}
	if resp != "" {
		return New(resp)
	}
	return nil
}
