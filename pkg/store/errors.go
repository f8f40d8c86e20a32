package store

import (
	"errors"
	"fmt"
	"strings"
)

// Common backend errors.
// These are the standard errors that backend implementations should return.
var (
	// ErrTransactionNotFound is returned when a transaction id does not exist for an account
	ErrTransactionNotFound = errors.New("store: transaction not found")

	// ErrInvalidRecord is returned when a stored record cannot be interpreted
	ErrInvalidRecord = errors.New("store: invalid record")

	// ErrUnavailable is returned when the backend is temporarily unreachable
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrTimeout is returned when a backend call exceeds its deadline
	ErrTimeout = errors.New("store: operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("store: circuit breaker open")

	// ErrClosed is returned by calls made after Close
	ErrClosed = errors.New("store: backend closed")
)

// IsNotFound reports whether err indicates a missing transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound)
}

// IsTimeout reports whether err indicates a timeout occurred.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable reports whether err indicates the backend is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsCircuitOpen reports whether err indicates the circuit breaker rejected the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ClassifyError returns a string classification of the error type for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	case errors.Is(err, ErrClosed):
		return "closed"
	}

	// Fall back to common patterns in the error message
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial", "broken pipe", "reset by peer"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode", "parse"):
		return "serialization"
	case containsAny(msg, "redis", "sqlite", "database"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// WrapError wraps an error with the backend and operation that produced it.
func WrapError(err error, backend string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store %s %s: %w", backend, operation, err)
}
