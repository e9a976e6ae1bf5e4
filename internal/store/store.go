// Package store implements the relational contract of the permit pipeline
// on Postgres (pgx) and SQLite (modernc).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/permit"
)

// WatermarkBuffer is subtracted from the last run so records committed
// upstream with a slightly earlier timestamp are not missed.
const WatermarkBuffer = time.Minute

// RunFilter specifies criteria for listing ingestion runs.
type RunFilter struct {
	Source string          `json:"source,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// PermitStore owns permit rows and the conflict review table.
type PermitStore interface {
	UpsertPermit(ctx context.Context, row *model.PermitRow) (*model.UpsertResult, error)
	GetPermit(ctx context.Context, source, sourceRecordID string) (*model.PermitRow, error)
	CountPermits(ctx context.Context, source string) (int64, error)
	PermitsForLeads(ctx context.Context, filter model.PermitFilter) ([]model.PermitRow, error)
	FlagConflict(ctx context.Context, c *model.PermitConflict) error
	ListConflicts(ctx context.Context, source string, limit int) ([]model.PermitConflict, error)
}

// LeadStore owns lead rows.
type LeadStore interface {
	UpsertLead(ctx context.Context, l *model.Lead) (*model.Lead, bool, error)
	GetLeadByPermit(ctx context.Context, permitRef int64) (*model.Lead, error)
}

// SyncStateStore owns the per-source watermark.
type SyncStateStore interface {
	// GetLastRun returns nil when the source has never completed a batch.
	GetLastRun(ctx context.Context, source string) (*time.Time, error)
	UpdateLastRun(ctx context.Context, source string, t time.Time) error
	ListSyncState(ctx context.Context) ([]model.SyncState, error)
}

// RunLog records each ingestion invocation.
type RunLog interface {
	StartRun(ctx context.Context, source string) (string, error)
	CompleteRun(ctx context.Context, runID string, summary *model.Summary) error
	FailRun(ctx context.Context, runID string, errMsg string, summary *model.Summary) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunEntry, error)
}

// Store defines the persistence interface for the permit pipeline.
type Store interface {
	PermitStore
	LeadStore
	SyncStateStore
	RunLog

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// SinceTimestamp is the lower bound of the next query window for source:
// the last run minus WatermarkBuffer, or now minus fallbackDays when the
// source has never completed a batch.
func SinceTimestamp(ctx context.Context, s SyncStateStore, source string, fallbackDays int, now time.Time) (time.Time, error) {
	last, err := s.GetLastRun(ctx, source)
	if err != nil {
		return time.Time{}, err
	}
	if last != nil {
		return last.Add(-WatermarkBuffer), nil
	}
	return now.AddDate(0, 0, -fallbackDays), nil
}

// RecordScopedError marks a persistence failure confined to one record
// (bad data or a constraint violation). The batch can continue past it.
type RecordScopedError struct {
	Err error
}

func (e *RecordScopedError) Error() string { return e.Err.Error() }

func (e *RecordScopedError) Unwrap() error { return e.Err }

// IsRecordScoped reports whether err affects a single record only. Identity
// conflicts and data or constraint errors are record-scoped; connection and
// other storage failures are not.
func IsRecordScoped(err error) bool {
	if err == nil {
		return false
	}
	var rse *RecordScopedError
	if errors.As(err, &rse) {
		return true
	}
	var ice *permit.IdentityConflictError
	return errors.As(err, &ice)
}

// classify wraps record-scoped driver errors in RecordScopedError and returns
// everything else unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if recordScopedDriverError(err) {
		return &RecordScopedError{Err: err}
	}
	return err
}

func recordScopedDriverError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 22: data exception, 23: integrity constraint violation
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "22" || pgErr.Code[:2] == "23")
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
			return true
		}
	}
	return false
}
