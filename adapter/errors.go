package adapter

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record addressed by identifier doesn't exist.
	ErrNotFound = errors.New("canopy: record not found")

	// ErrAlreadyExists is returned when inserting a record with an existing identifier.
	ErrAlreadyExists = errors.New("canopy: record already exists")

	// ErrUnknownKind is returned when no factory is registered for a backend kind.
	ErrUnknownKind = errors.New("canopy: unknown adapter kind")

	// ErrNotConnected is returned when an operation runs before Connect succeeded.
	ErrNotConnected = errors.New("canopy: adapter not connected")

	// ErrUnsupportedFilter is returned when a backend cannot express a filter.
	ErrUnsupportedFilter = errors.New("canopy: unsupported filter")
)

// OperationError wraps a backend failure with the operation that produced it.
type OperationError struct {
	Kind      string
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise an *OperationError.
func Wrap(kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Kind: kind, Operation: op, Err: err}
}
