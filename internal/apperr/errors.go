// Package apperr holds the error kinds shared across cadence components.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown habits, triggers, contexts and agents.
	ErrNotFound = errors.New("not found")

	// ErrClaimLost means a trigger claim expired and was taken by another
	// poll cycle before the holder acknowledged it.
	ErrClaimLost = errors.New("trigger claim lost")
)

// ValidationError is returned synchronously for malformed input. Nothing is
// persisted when it is returned.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Validationf builds a ValidationError for field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// NotFound wraps ErrNotFound with the kind and id that was looked up.
func NotFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}
