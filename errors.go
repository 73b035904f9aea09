package permazen

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/oid"
)

var (
	// ErrStaleTransaction marks an operation on a closed transaction;
	// a programming error, never retried.
	ErrStaleTransaction = errors.New("permazen: transaction is no longer usable")

	// ErrCommitInProgress marks a re-entrant commit; a programming
	// error, never retried.
	ErrCommitInProgress = errors.New("permazen: commit already in progress")

	// ErrTypeNotInSchema marks an explicit lookup of an object whose
	// declared type is absent from the current schema version.
	// Internal listener dispatch skips such objects silently instead.
	ErrTypeNotInSchema = errors.New("permazen: object type not in current schema")
)

// DeletedObjectError reports a direct operation on a nonexistent id.
type DeletedObjectError struct {
	ID oid.ID
}

func (e *DeletedObjectError) Error() string {
	return fmt.Sprintf("permazen: object %s does not exist", e.ID)
}

// UpgradeConversionError reports a field value that could not be
// converted across schema versions under a require-conversion policy.
type UpgradeConversionError struct {
	ID    oid.ID
	Field string
	Err   error
}

func (e *UpgradeConversionError) Error() string {
	return fmt.Sprintf("permazen: cannot convert field %q of %s: %s", e.Field, e.ID, e.Err)
}

func (e *UpgradeConversionError) Unwrap() error { return e.Err }

// ValidationError aborts a validation drain. The transaction stays
// open and the remaining queue intact; callers may correct data and
// call Validate again.
type ValidationError struct {
	ID     oid.ID
	Type   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("permazen: validation of %s (type %s) failed: %s", e.ID, e.Type, e.Detail)
}

// DeletedAssignmentError reports a copied reference that still points
// at an object absent from the destination once the copy operation
// has finished.
type DeletedAssignmentError struct {
	Referrer oid.ID
	Target   oid.ID
	Field    string
}

func (e *DeletedAssignmentError) Error() string {
	return fmt.Sprintf("permazen: field %q of copied object %s references deleted object %s",
		e.Field, e.Referrer, e.Target)
}
