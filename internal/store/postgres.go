package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/permitsync/internal/db"
	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/permit"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// permitIDIndex is the partial unique index on (source, permit_id).
const permitIDIndex = "permits_source_permit_id_key"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.ConnConfig.RuntimeParams["application_name"] = "permitsync"

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// permitColumns are the writable permit columns in bind order.
var permitColumns = []string{
	"source", "source_record_id", "permit_id", "permit_number", "jurisdiction", "county",
	"status", "permit_type", "work_description", "name", "address", "city", "state", "zipcode",
	"latitude", "longitude", "location", "applicant_name", "owner_name", "contractor_name",
	"valuation", "issued_date", "application_date", "raw_data",
}

var (
	pgUpsertPermitSQL = buildPgUpsertPermit()
	pgSelectPermitSQL = "SELECT id, " + strings.Join(permitColumns, ", ") + ", created_at, updated_at FROM permits"
)

func buildPgUpsertPermit() string {
	placeholders := make([]string, len(permitColumns))
	var sets []string
	for i, c := range permitColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if c != "source" && c != "source_record_id" {
			sets = append(sets, c+" = EXCLUDED."+c)
		}
	}
	sets = append(sets, "updated_at = now()")
	return "INSERT INTO permits (" + strings.Join(permitColumns, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") ON CONFLICT (source, source_record_id) DO UPDATE SET " +
		strings.Join(sets, ", ") + " RETURNING id, created_at, updated_at, (xmax = 0) AS inserted"
}

// permitArgs binds row in permitColumns order. Blank optional text becomes NULL.
func permitArgs(row *model.PermitRow) []any {
	var raw any
	if len(row.RawData) > 0 {
		raw = row.RawData
	}
	var loc any
	if len(row.Location) > 0 {
		loc = row.Location
	}
	return []any{
		row.Source, row.SourceRecordID, nullString(row.PermitID), nullString(row.PermitNumber),
		nullString(row.Jurisdiction), row.County, nullString(row.Status), nullString(row.PermitType),
		nullString(row.WorkDescription), row.Name, nullString(row.Address), nullString(row.City),
		nullString(row.State), nullString(row.Zipcode), row.Latitude, row.Longitude, loc,
		nullString(row.ApplicantName), nullString(row.OwnerName), nullString(row.ContractorName),
		row.Valuation, row.IssuedDate, row.ApplicationDate, raw,
	}
}

// UpsertPermit inserts or updates one permit by (source, source_record_id) in
// its own transaction.
func (s *PostgresStore) UpsertPermit(ctx context.Context, row *model.PermitRow) (*model.UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin permit upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if row.PermitID != "" {
		var holder string
		err := tx.QueryRow(ctx,
			`SELECT source_record_id FROM permits
			 WHERE source = $1 AND permit_id = $2 AND source_record_id <> $3 LIMIT 1`,
			row.Source, row.PermitID, row.SourceRecordID,
		).Scan(&holder)
		switch {
		case err == nil:
			return nil, &permit.IdentityConflictError{
				Source: row.Source, PermitID: row.PermitID,
				SourceRecordID: row.SourceRecordID, ExistingRecordID: holder,
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, eris.Wrap(classify(err), "postgres: identity check")
		}
	}

	var inserted bool
	stored := *row
	err = tx.QueryRow(ctx, pgUpsertPermitSQL, permitArgs(row)...).
		Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt, &inserted)
	if err != nil {
		if isPermitIDViolation(err) {
			return nil, &permit.IdentityConflictError{
				Source: row.Source, PermitID: row.PermitID, SourceRecordID: row.SourceRecordID,
			}
		}
		return nil, eris.Wrapf(classify(err), "postgres: upsert permit %s/%s", row.Source, row.SourceRecordID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit permit upsert")
	}

	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	action := model.ActionUpdated
	if inserted {
		action = model.ActionInserted
	}
	return &model.UpsertResult{Action: action, PermitRowID: stored.ID, Row: stored}, nil
}

func isPermitIDViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == permitIDIndex
}

func (s *PostgresStore) GetPermit(ctx context.Context, source, sourceRecordID string) (*model.PermitRow, error) {
	row, err := scanPermit(s.pool.QueryRow(ctx,
		pgSelectPermitSQL+" WHERE source = $1 AND source_record_id = $2", source, sourceRecordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get permit %s/%s", source, sourceRecordID)
	}
	return row, nil
}

func (s *PostgresStore) CountPermits(ctx context.Context, source string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM permits WHERE $1 = '' OR source = $1`, source,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count permits")
}

func (s *PostgresStore) PermitsForLeads(ctx context.Context, filter model.PermitFilter) ([]model.PermitRow, error) {
	query := pgSelectPermitSQL + " WHERE true"
	var args []any
	if filter.Source != "" {
		args = append(args, filter.Source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filter.Days > 0 {
		args = append(args, filter.Days)
		query += fmt.Sprintf(" AND updated_at >= now() - make_interval(days => $%d)", len(args))
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: permits for leads")
	}
	defer rows.Close()

	var out []model.PermitRow
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan permit")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate permits")
}

func (s *PostgresStore) FlagConflict(ctx context.Context, c *model.PermitConflict) error {
	var raw any
	if len(c.RawData) > 0 {
		raw = c.RawData
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO permit_conflicts (source, permit_id, source_record_id, existing_record_id, raw_data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source, permit_id, source_record_id) DO UPDATE
		 SET existing_record_id = EXCLUDED.existing_record_id, raw_data = EXCLUDED.raw_data, detected_at = now()`,
		c.Source, c.PermitID, c.SourceRecordID, c.ExistingRecordID, raw,
	)
	return eris.Wrapf(err, "postgres: flag conflict %s/%s", c.Source, c.PermitID)
}

func (s *PostgresStore) ListConflicts(ctx context.Context, source string, limit int) ([]model.PermitConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, permit_id, source_record_id, existing_record_id, detected_at
		 FROM permit_conflicts WHERE $1 = '' OR source = $1
		 ORDER BY detected_at DESC LIMIT $2`,
		source, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.PermitConflict
	for rows.Next() {
		var c model.PermitConflict
		if err := rows.Scan(&c.ID, &c.Source, &c.PermitID, &c.SourceRecordID, &c.ExistingRecordID, &c.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		c.DetectedAt = c.DetectedAt.UTC()
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate conflicts")
}

// UpsertLead inserts the lead or refreshes the existing lead for the same
// permit. Status and id of an existing lead are kept.
func (s *PostgresStore) UpsertLead(ctx context.Context, l *model.Lead) (*model.Lead, bool, error) {
	stored := *l
	var inserted bool
	var status string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO leads (id, permit_ref, name, address, county, service, value, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (permit_ref) DO UPDATE
		 SET name = EXCLUDED.name, address = EXCLUDED.address, county = EXCLUDED.county,
		     service = EXCLUDED.service, value = EXCLUDED.value, updated_at = now()
		 RETURNING id, status, created_at, updated_at, (xmax = 0) AS inserted`,
		l.ID, l.PermitRef, l.Name, nullString(l.Address), l.County, l.Service, l.Value, string(l.Status),
	).Scan(&stored.ID, &status, &stored.CreatedAt, &stored.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, eris.Wrapf(classify(err), "postgres: upsert lead for permit %d", l.PermitRef)
	}
	stored.Status = model.LeadStatus(status)
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	return &stored, inserted, nil
}

func (s *PostgresStore) GetLeadByPermit(ctx context.Context, permitRef int64) (*model.Lead, error) {
	var l model.Lead
	var address *string
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, permit_ref, name, address, county, service, value, status, created_at, updated_at
		 FROM leads WHERE permit_ref = $1`, permitRef,
	).Scan(&l.ID, &l.PermitRef, &l.Name, &address, &l.County, &l.Service, &l.Value, &status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead for permit %d", permitRef)
	}
	l.Address = derefString(address)
	l.Status = model.LeadStatus(status)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func (s *PostgresStore) GetLastRun(ctx context.Context, source string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_run FROM sync_state WHERE source = $1`, source).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last run for %s", source)
	}
	t = t.UTC()
	return &t, nil
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, source string, t time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_state (source, last_run, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (source) DO UPDATE SET last_run = EXCLUDED.last_run, updated_at = now()`,
		source, t.UTC(),
	)
	return eris.Wrapf(err, "postgres: update last run for %s", source)
}

func (s *PostgresStore) ListSyncState(ctx context.Context) ([]model.SyncState, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, last_run FROM sync_state ORDER BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync state")
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		var st model.SyncState
		if err := rows.Scan(&st.Source, &st.LastRun); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync state")
		}
		st.LastRun = st.LastRun.UTC()
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sync state")
}

func (s *PostgresStore) StartRun(ctx context.Context, source string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_runs (id, source, status, started_at) VALUES ($1, $2, $3, now())`,
		id, source, string(model.RunStatusRunning),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start run for %s", source)
	}
	return id, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, summary *model.Summary) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, "", summary)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string, summary *model.Summary) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, errMsg, summary)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string, summary *model.Summary) error {
	summaryJSON, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET status = $1, completed_at = now(), summary = $2, error = $3 WHERE id = $4`,
		string(status), summaryJSON, nullString(errMsg), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunEntry, error) {
	query := `SELECT id, source, status, started_at, completed_at, summary, error FROM ingest_runs WHERE true`
	var args []any
	if filter.Source != "" {
		args = append(args, filter.Source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.RunEntry
	for rows.Next() {
		var e model.RunEntry
		var status string
		var summaryJSON []byte
		var errStr *string
		if err := rows.Scan(&e.ID, &e.Source, &status, &e.StartedAt, &e.CompletedAt, &summaryJSON, &errStr); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		e.Status = model.RunStatus(status)
		e.StartedAt = e.StartedAt.UTC()
		if e.CompletedAt != nil {
			t := e.CompletedAt.UTC()
			e.CompletedAt = &t
		}
		e.Error = derefString(errStr)
		if e.Summary, err = unmarshalSummary(summaryJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPermit(r scannable) (*model.PermitRow, error) {
	var p model.PermitRow
	var permitID, permitNumber, jurisdiction, status, permitType, workDesc *string
	var address, city, state, zipcode, applicant, owner, contractor *string
	err := r.Scan(&p.ID,
		&p.Source, &p.SourceRecordID, &permitID, &permitNumber, &jurisdiction, &p.County,
		&status, &permitType, &workDesc, &p.Name, &address, &city, &state, &zipcode,
		&p.Latitude, &p.Longitude, &p.Location, &applicant, &owner, &contractor,
		&p.Valuation, &p.IssuedDate, &p.ApplicationDate, &p.RawData,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PermitID = derefString(permitID)
	p.PermitNumber = derefString(permitNumber)
	p.Jurisdiction = derefString(jurisdiction)
	p.Status = derefString(status)
	p.PermitType = derefString(permitType)
	p.WorkDescription = derefString(workDesc)
	p.Address = derefString(address)
	p.City = derefString(city)
	p.State = derefString(state)
	p.Zipcode = derefString(zipcode)
	p.ApplicantName = derefString(applicant)
	p.OwnerName = derefString(owner)
	p.ContractorName = derefString(contractor)
	p.IssuedDate = utcPtr(p.IssuedDate)
	p.ApplicationDate = utcPtr(p.ApplicationDate)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func nullString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func marshalSummary(summary *model.Summary) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal summary")
	}
	return data, nil
}

func unmarshalSummary(data []byte) (*model.Summary, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s model.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal summary")
	}
	return &s, nil
}
