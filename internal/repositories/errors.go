package repositories

import (
	"errors"
	"fmt"
)

// StoreError is a backend-neutral RepositoryError used by the Redis and Postgres adapters.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Unavailable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Op
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *StoreError) IsConflict() bool    { return false }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

var errRecordNotFound = errors.New("record not found")

// NewNotFoundError builds a not-found RepositoryError for op.
func NewNotFoundError(op string) *StoreError {
	return &StoreError{Op: op, Err: errRecordNotFound, NotFound: true}
}

// NewUnavailableError wraps a backend failure as a RepositoryError.
func NewUnavailableError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, Unavailable: true}
}

func asRepositoryError(err error, target *RepositoryError) bool {
	if err == nil {
		return false
	}
	return errors.As(err, target)
}
