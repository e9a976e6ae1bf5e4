// Package lead derives at most one sales lead per persisted permit.
package lead

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/model"
)

// UnknownName is used when a permit names no applicant, owner or contractor.
const UnknownName = "Unknown"

// Writer persists leads keyed by permit reference.
type Writer interface {
	// UpsertLead inserts the lead, or updates the existing lead for the same
	// permit. It returns the stored lead and whether it was inserted.
	UpsertLead(ctx context.Context, l *model.Lead) (*model.Lead, bool, error)
}

// PermitLister selects persisted permits for batch derivation.
type PermitLister interface {
	PermitsForLeads(ctx context.Context, filter model.PermitFilter) ([]model.PermitRow, error)
}

// Engine is the lead derivation engine.
type Engine struct {
	w   Writer
	log *zap.Logger
}

// NewEngine creates an Engine writing through w.
func NewEngine(w Writer) *Engine {
	return &Engine{w: w, log: zap.L().With(zap.String("component", "lead.engine"))}
}

// Build maps a permit row to its lead. The id is fresh; storage keeps the
// existing id when the permit already has a lead.
func Build(row *model.PermitRow) *model.Lead {
	county := strings.TrimSpace(row.County)
	if county == "" {
		county = "Unknown"
	}
	return &model.Lead{
		ID:        uuid.NewString(),
		PermitRef: row.ID,
		Name:      ResolveName(row.ApplicantName, row.OwnerName, row.ContractorName),
		Address:   strings.TrimSpace(row.Address),
		County:    county,
		Service:   Categorize(row.WorkDescription, row.PermitType),
		Value:     row.Valuation,
		Status:    model.LeadStatusNew,
	}
}

// ResolveName returns the first non-blank of applicant, owner and contractor.
func ResolveName(applicant, owner, contractor string) string {
	for _, n := range []string{applicant, owner, contractor} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return UnknownName
}

// Derive produces or refreshes the lead for one persisted permit.
func (e *Engine) Derive(ctx context.Context, row *model.PermitRow) (*model.Lead, bool, error) {
	if row == nil || row.ID == 0 {
		return nil, false, eris.New("lead: permit row has no id")
	}
	l, inserted, err := e.w.UpsertLead(ctx, Build(row))
	if err != nil {
		return nil, false, eris.Wrapf(err, "lead: upsert for permit %d", row.ID)
	}
	return l, inserted, nil
}

// BatchResult reports a batch derivation. Failures do not stop the batch.
type BatchResult struct {
	Permits  int                 `json:"permits"`
	Inserted int                 `json:"inserted"`
	Updated  int                 `json:"updated"`
	Errors   []model.RecordError `json:"errors"`
}

// DeriveBatch re-derives leads for the permits selected by filter.
// Limit and Days of zero are unbounded.
func (e *Engine) DeriveBatch(ctx context.Context, lister PermitLister, filter model.PermitFilter) (*BatchResult, error) {
	if filter.Limit < 0 || filter.Days < 0 {
		return nil, eris.New("lead: limit and days must not be negative")
	}

	start := time.Now()
	rows, err := lister.PermitsForLeads(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "lead: list permits")
	}

	res := &BatchResult{Permits: len(rows)}
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "lead: batch interrupted")
		}
		_, inserted, err := e.Derive(ctx, &rows[i])
		if err != nil {
			ref := fmt.Sprintf("%s/%s", rows[i].Source, rows[i].SourceRecordID)
			res.Errors = append(res.Errors, model.RecordError{
				RecordRef: ref,
				Kind:      model.ErrorDerivation,
				Message:   err.Error(),
			})
			e.log.Warn("lead derivation failed", zap.String("record", ref), zap.Error(err))
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}

	e.log.Info("lead batch derived",
		zap.Int("permits", res.Permits),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
