// Package store holds the administrative data access objects for devices,
// datasets and views, and the view engine that resolves a stored view into
// live data. Everything goes through the database gateway.
package store

import (
	"errors"
	"fmt"

	"github.com/typekcz/loradataserver/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// StoreError wraps errors with additional context.
type StoreError struct {
	Op      string // Operation that failed (e.g., "GetView")
	Entity  string // Entity type (e.g., "view", "device")
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
