package models

import (
	"errors"
	"fmt"
)

// ErrReferenceExpired marks a failure caused by a previously issued image
// reference that is no longer resolvable. The dominant source is the edit
// service's time-limited URLs; work built on the expired reference is still
// valid and the affected step can be re-triggered.
var ErrReferenceExpired = errors.New("image reference expired")

// ValidationError reports missing, oversize, or malformed input. Validation
// failures are fatal and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
