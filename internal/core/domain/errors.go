// Package domain contains the entities shared by the gateway, the view engine
// and the telemetry pipeline. This is part of the Functional Core: no I/O.
package domain

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrConfiguration is returned for unsupported abstract column types or
	// lengths. It is fatal and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation is returned when a request is malformed, e.g. a missing
	// positional view parameter or a condition of unknown shape.
	ErrValidation = errors.New("validation error")

	// ErrExecution marks an underlying storage failure. The original message
	// is kept but never interpreted.
	ErrExecution = errors.New("execution error")

	// ErrSandbox marks a tenant script failure (exception or timeout).
	ErrSandbox = errors.New("sandbox error")

	// ErrNotFound is returned when a device or view does not exist.
	ErrNotFound = errors.New("not found")
)
