package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jacentio/canopy/pool"
)

var (
	// ErrMissingIdentifier is returned when an operation requires an identifier and none was given.
	ErrMissingIdentifier = errors.New("canopy: missing identifier")

	// ErrNotFound is returned when the addressed entity doesn't exist or is out of scope.
	ErrNotFound = errors.New("canopy: entity not found")

	// ErrValidationFailed matches every ValidationError.
	ErrValidationFailed = errors.New("canopy: validation failed")

	// ErrConnectFailed is returned when the tenant adapter cannot connect and
	// auto-reconnect is disabled.
	ErrConnectFailed = pool.ErrConnectFailed
)

// ValidationError reports rejected fields. Validators may return it so
// callers can match ErrValidationFailed.
type ValidationError struct {
	// Fields maps a logical field name to the reason it was rejected.
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidationFailed.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, name := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

func notFound(entity, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, entity, id)
}
