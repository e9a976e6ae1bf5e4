package permit

import (
	"errors"
	"fmt"
)

// ErrInvalidPermit marks a normalized permit that cannot be persisted.
var ErrInvalidPermit = errors.New("invalid permit")

// IdentityConflictError reports that a second upstream row from the same
// source claims a canonical permit id already held by another row. It is a
// per-record problem and never aborts a batch.
type IdentityConflictError struct {
	Source           string
	PermitID         string
	SourceRecordID   string
	ExistingRecordID string
}

func (e *IdentityConflictError) Error() string {
	if e.ExistingRecordID == "" {
		return fmt.Sprintf("permit: %s permit_id %q claimed by record %q conflicts with an existing row",
			e.Source, e.PermitID, e.SourceRecordID)
	}
	return fmt.Sprintf("permit: %s permit_id %q claimed by record %q is already held by record %q",
		e.Source, e.PermitID, e.SourceRecordID, e.ExistingRecordID)
}
