package dbgw

import (
	"fmt"

	"github.com/typekcz/loradataserver/internal/core/domain"
)

// ExecutionError wraps a failure reported by the database. The gateway does
// not interpret storage-engine error codes; the original error is kept as-is.
type ExecutionError struct {
	Op    string // Gateway operation that failed (e.g., "Insert")
	Table string // Target table or schema, if any
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is makes every ExecutionError match domain.ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == domain.ErrExecution
}

func execError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Op: op, Table: table, Err: err}
}
