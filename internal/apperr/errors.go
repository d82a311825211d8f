// Package apperr holds the error taxonomy shared by the storage adapters and the record engine.
package apperr

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound covers both a missing record and a record the caller may not access.
	ErrNotFound = errors.New("not found or no access")
	// ErrConflict is returned when a versioned write lost the race to another writer.
	ErrConflict = errors.New("conflict: record was modified concurrently")
	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
	// ErrProjectionDrift is returned when a relational row points at a document that no longer exists.
	ErrProjectionDrift = errors.New("not found in store")
	// ErrNotHydrated is returned when a field is absent from a relational row that was never hydrated.
	ErrNotHydrated = errors.New("field not loaded: call FetchData first")
	// ErrUnknownModel is returned for operations against an unregistered model name.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNotImplemented is returned by relational list operations.
	ErrNotImplemented = errors.New("not implemented")
	// ErrInvalidQuery is returned for malformed query builder input.
	ErrInvalidQuery = errors.New("invalid query")
)

// ValidationError aggregates every field violation found for one record.
type ValidationError struct {
	Model  string
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed for " + e.Model + ": " + strings.Join(e.Errors, "; ")
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
