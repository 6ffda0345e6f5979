package txn

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned when a transaction is used after it was committed or
// rolled back.
var ErrClosed = errors.New("transaction already closed")

// RollbackConflictError reports that later commits changed paths a patch
// touched, so reverting it would overwrite them. It is not fatal: nothing
// was changed and the rollback can be forced.
type RollbackConflictError struct {
	PatchID string

	// Paths are the overlapping paths, sorted.
	Paths []string
}

// Error implements the error interface.
func (e *RollbackConflictError) Error() string {
	return fmt.Sprintf("cannot roll back patch %s: later changes touch %s", e.PatchID, strings.Join(e.Paths, ", "))
}

// IsRollbackConflict returns true if err is a RollbackConflictError.
// Uses errors.As to handle wrapped errors.
func IsRollbackConflict(err error) bool {
	var rc *RollbackConflictError
	return errors.As(err, &rc)
}

// PublishError reports that the live tree was changed but the history
// store could not be updated. The live tree has been restored to its state
// before the attempt when Restored is set.
type PublishError struct {
	Restored bool
	Err      error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	if e.Restored {
		return fmt.Sprintf("publish transaction (live tree restored): %v", e.Err)
	}
	return fmt.Sprintf("publish transaction (live tree NOT restored): %v", e.Err)
}

// Unwrap returns the push failure.
func (e *PublishError) Unwrap() error { return e.Err }
