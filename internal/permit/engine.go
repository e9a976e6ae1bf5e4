// Package permit derives the canonical identity and never-null columns of a
// normalized permit and hands the completed row to storage.
package permit

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/model"
)

// Writer persists one completed permit row, inserting or updating by
// (source, source_record_id). Implementations return *IdentityConflictError
// when the canonical id is held by a different upstream row.
type Writer interface {
	UpsertPermit(ctx context.Context, row *model.PermitRow) (*model.UpsertResult, error)
}

// Engine is the permit upsert engine.
type Engine struct {
	w Writer
}

// NewEngine creates an Engine writing through w.
func NewEngine(w Writer) *Engine {
	return &Engine{w: w}
}

// Upsert completes p and persists it.
func (e *Engine) Upsert(ctx context.Context, p *model.Permit) (*model.UpsertResult, error) {
	row, err := Prepare(p)
	if err != nil {
		return nil, err
	}

	res, err := e.w.UpsertPermit(ctx, row)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("permit upserted",
		zap.String("component", "permit.engine"),
		zap.String("source", row.Source),
		zap.String("source_record_id", row.SourceRecordID),
		zap.String("action", string(res.Action)),
		zap.Int64("id", res.PermitRowID),
	)
	return res, nil
}

// Prepare builds the row to persist: canonical permit id, resolved county,
// synthesized name and encoded location. p is not modified.
func Prepare(p *model.Permit) (*model.PermitRow, error) {
	if p == nil {
		return nil, eris.Wrap(ErrInvalidPermit, "permit: nil permit")
	}
	if strings.TrimSpace(p.Source) == "" {
		return nil, eris.Wrap(ErrInvalidPermit, "permit: missing source")
	}
	if strings.TrimSpace(p.SourceRecordID) == "" {
		return nil, eris.Wrapf(ErrInvalidPermit, "permit: %s record has no source_record_id", p.Source)
	}

	row := &model.PermitRow{Permit: *p}
	row.PermitID = CanonicalID(p)
	row.County = ResolveCounty(p.County, p.Jurisdiction, p.Source)
	row.Name = DisplayName(p)

	loc, err := EncodeLocation(p.Latitude, p.Longitude)
	if err != nil {
		return nil, err
	}
	row.Location = loc
	return row, nil
}

// CanonicalID is the first non-empty of permit_id, permit_number and
// source_record_id.
func CanonicalID(p *model.Permit) string {
	return strings.TrimSpace(firstNonEmpty(p.PermitID, p.PermitNumber, p.SourceRecordID))
}

// DisplayName is the never-empty descriptive name of a permit: the work
// description, else the permit type, else "Permit <number>".
func DisplayName(p *model.Permit) string {
	if name := firstNonEmpty(p.WorkDescription, p.PermitType); name != "" {
		return strings.TrimSpace(name)
	}
	ref := firstNonEmpty(p.PermitNumber, p.PermitID, p.SourceRecordID, "(no #)")
	return "Permit " + strings.TrimSpace(ref)
}
