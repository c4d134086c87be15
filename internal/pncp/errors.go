package pncp

import (
	"errors"
	"fmt"
)

// SourceUnavailableError reports a transient failure talking to the portal:
// network errors and non-2xx responses. It is retryable.
type SourceUnavailableError struct {
	Status   int // HTTP status, 0 for transport errors
	Attempts int
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("pncp unavailable: status %d after %d attempt(s)", e.Status, e.Attempts)
	}
	return fmt.Sprintf("pncp unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// IsSourceUnavailable reports whether err is (or wraps) a SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	var t *SourceUnavailableError
	return errors.As(err, &t)
}

// SchemaError reports a response body that did not match the portal's
// documented envelope shape. Not retryable: the page cannot be interpreted.
type SchemaError struct {
	Page int
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("pncp schema error on page %d: %v", e.Page, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// NormalizationError identifies a single record field that could not be
// coerced into the canonical entity. The offending record is skipped.
type NormalizationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("normalize %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("normalize %s=%q: %s", e.Field, e.Value, e.Reason)
}
