package service

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed is the only error read paths surface for store failures.
	ErrFetchFailed = errors.New("failed to fetch data")
	// ErrPersistence wraps store failures on write paths.
	ErrPersistence = errors.New("persistence error")
	// ErrPriceUnavailable means no price is known yet for a requested asset.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrBusNotRunning is returned by SimulatePrice when no event bus is wired.
	ErrBusNotRunning = errors.New("event bus not running")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
