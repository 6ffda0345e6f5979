package manager

import (
	"errors"
	"fmt"
	"strings"
)

// PostCommitError reports an activation failure after the live tree was
// already changed. The history and the records are committed; the pending
// marker, if any, is kept so the activation is resumed on the next start.
type PostCommitError struct {
	// Op is "install" or "rollback".
	Op string

	PatchIDs []string

	// Pending is set when a marker was left for resume.
	Pending bool

	Err error
}

func (e *PostCommitError) Error() string {
	return fmt.Sprintf("%s %s committed but activation failed: %v", e.Op, strings.Join(e.PatchIDs, ","), e.Err)
}

func (e *PostCommitError) Unwrap() error { return e.Err }

// IsPostCommit reports whether err is a PostCommitError.
func IsPostCommit(err error) bool {
	var pe *PostCommitError
	return errors.As(err, &pe)
}
