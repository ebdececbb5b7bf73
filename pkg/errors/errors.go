package errors

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrNotFound is returned when a requested memory item does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput is returned when the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration is returned when the configuration value is malformed
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConnection is returned when an external adapter cannot be reached
	ErrConnection = errors.New("adapter unreachable")

	// ErrConcurrencyConflict is returned when an update was made against a stale version
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrAdapter is returned when an adapter call fails
	ErrAdapter = errors.New("adapter failure")

	// ErrLuaExecution is returned when there's an error executing a Lua script
	ErrLuaExecution = errors.New("lua script execution error")
)

// ConfigurationError describes a configuration value that could not be accepted.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Key != "" {
		msg += fmt.Sprintf(" at %q", e.Key)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NewConfigurationError returns a ConfigurationError for key.
func NewConfigurationError(key, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: reason, Err: err}
}

// ConnectionError wraps a failure to reach an adapter.
type ConnectionError struct {
	Adapter string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Adapter, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches ErrConnection.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// NotFoundError reports a missing memory item.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory %q not found", e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports an optimistic concurrency failure on a memory item.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("memory %q: expected version %d, found %d", e.ID, e.Expected, e.Actual)
}

// Is matches ErrConcurrencyConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// AdapterError wraps a failed call to an external collaborator.
// Transient errors may be retried by the caller.
type AdapterError struct {
	Adapter   string
	Op        string
	Transient bool
	Err       error
}

func (e *AdapterError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Adapter, e.Op, kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is matches ErrAdapter.
func (e *AdapterError) Is(target error) bool { return target == ErrAdapter }

// NewAdapterError wraps err as an AdapterError. A nil err returns nil.
func NewAdapterError(adapter, op string, transient bool, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Adapter: adapter, Op: op, Transient: transient, Err: err}
}

// IsTransient reports whether err is an AdapterError marked as retryable.
func IsTransient(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}

// Wrap wraps an error with additional context
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience function that wraps errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
// This is a convenience function that wraps errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is a convenience wrapper around errors.New
func New(text string) error {
	return errors.New(text)
}
