package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/permit"
)

// sqliteTimeFormat is fixed width so TEXT comparison orders chronologically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite. It backs local runs
// and the test suite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock overrides the clock used for row timestamps.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS permits (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	source           TEXT NOT NULL,
	source_record_id TEXT NOT NULL,
	permit_id        TEXT,
	permit_number    TEXT,
	jurisdiction     TEXT,
	county           TEXT NOT NULL CHECK (trim(county) <> ''),
	status           TEXT,
	permit_type      TEXT,
	work_description TEXT,
	name             TEXT NOT NULL CHECK (trim(name) <> ''),
	address          TEXT,
	city             TEXT,
	state            TEXT,
	zipcode          TEXT,
	latitude         REAL,
	longitude        REAL,
	location         BLOB,
	applicant_name   TEXT,
	owner_name       TEXT,
	contractor_name  TEXT,
	valuation        REAL,
	issued_date      TEXT,
	application_date TEXT,
	raw_data         TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE (source, source_record_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS permits_source_permit_id_key
	ON permits (source, permit_id) WHERE permit_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_permits_updated_at ON permits (updated_at);

CREATE TABLE IF NOT EXISTS leads (
	id         TEXT PRIMARY KEY,
	permit_ref INTEGER NOT NULL UNIQUE REFERENCES permits(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	address    TEXT,
	county     TEXT NOT NULL DEFAULT 'Unknown',
	service    TEXT NOT NULL,
	value      REAL,
	status     TEXT NOT NULL DEFAULT 'new',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	source     TEXT PRIMARY KEY,
	last_run   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	summary      TEXT,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_source ON ingest_runs (source, started_at);

CREATE TABLE IF NOT EXISTS permit_conflicts (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	source             TEXT NOT NULL,
	permit_id          TEXT NOT NULL,
	source_record_id   TEXT NOT NULL,
	existing_record_id TEXT NOT NULL,
	raw_data           TEXT,
	detected_at        TEXT NOT NULL,
	UNIQUE (source, permit_id, source_record_id)
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp() string {
	return formatTime(s.now())
}

var (
	sqliteInsertPermitSQL = "INSERT INTO permits (" + strings.Join(permitColumns, ", ") +
		", created_at, updated_at) VALUES (" + strings.Repeat("?, ", len(permitColumns)+1) + "?)"
	sqliteUpdatePermitSQL = buildSQLiteUpdatePermit()
	sqliteSelectPermitSQL = pgSelectPermitSQL
)

func buildSQLiteUpdatePermit() string {
	var sets []string
	for _, c := range permitColumns {
		if c != "source" && c != "source_record_id" {
			sets = append(sets, c+" = ?")
		}
	}
	return "UPDATE permits SET " + strings.Join(sets, ", ") + ", updated_at = ? WHERE id = ?"
}

// sqlitePermitArgs binds row in permitColumns order with dates and raw data
// as TEXT.
func sqlitePermitArgs(row *model.PermitRow) []any {
	args := permitArgs(row)
	for i, c := range permitColumns {
		switch c {
		case "issued_date":
			args[i] = nullTime(row.IssuedDate)
		case "application_date":
			args[i] = nullTime(row.ApplicationDate)
		case "raw_data":
			if len(row.RawData) > 0 {
				args[i] = string(row.RawData)
			}
		}
	}
	return args
}

func (s *SQLiteStore) UpsertPermit(ctx context.Context, row *model.PermitRow) (*model.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin permit upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	if row.PermitID != "" {
		var holder string
		err := tx.QueryRowContext(ctx,
			`SELECT source_record_id FROM permits
			 WHERE source = ? AND permit_id = ? AND source_record_id <> ? LIMIT 1`,
			row.Source, row.PermitID, row.SourceRecordID,
		).Scan(&holder)
		switch {
		case err == nil:
			return nil, &permit.IdentityConflictError{
				Source: row.Source, PermitID: row.PermitID,
				SourceRecordID: row.SourceRecordID, ExistingRecordID: holder,
			}
		case !errors.Is(err, sql.ErrNoRows):
			return nil, eris.Wrap(classify(err), "sqlite: identity check")
		}
	}

	stored := *row
	var createdAt string
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM permits WHERE source = ? AND source_record_id = ?`,
		row.Source, row.SourceRecordID,
	).Scan(&stored.ID, &createdAt)
	action := model.ActionUpdated
	now := s.stamp()
	args := sqlitePermitArgs(row)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		action = model.ActionInserted
		createdAt = now
		res, err := tx.ExecContext(ctx, sqliteInsertPermitSQL, append(args, now, now)...)
		if err != nil {
			return nil, eris.Wrapf(classify(err), "sqlite: insert permit %s/%s", row.Source, row.SourceRecordID)
		}
		if stored.ID, err = res.LastInsertId(); err != nil {
			return nil, eris.Wrap(err, "sqlite: permit id")
		}
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: lookup permit")
	default:
		// drop source and source_record_id, which are the key
		updateArgs := append(append([]any{}, args[2:]...), now, stored.ID)
		if _, err := tx.ExecContext(ctx, sqliteUpdatePermitSQL, updateArgs...); err != nil {
			return nil, eris.Wrapf(classify(err), "sqlite: update permit %s/%s", row.Source, row.SourceRecordID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit permit upsert")
	}
	if stored.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if stored.UpdatedAt, err = parseTime(now); err != nil {
		return nil, err
	}
	return &model.UpsertResult{Action: action, PermitRowID: stored.ID, Row: stored}, nil
}

func (s *SQLiteStore) GetPermit(ctx context.Context, source, sourceRecordID string) (*model.PermitRow, error) {
	row, err := scanSQLitePermit(s.db.QueryRowContext(ctx,
		sqliteSelectPermitSQL+" WHERE source = ? AND source_record_id = ?", source, sourceRecordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get permit %s/%s", source, sourceRecordID)
	}
	return row, nil
}

func (s *SQLiteStore) CountPermits(ctx context.Context, source string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM permits WHERE ? = '' OR source = ?`, source, source,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count permits")
}

func (s *SQLiteStore) PermitsForLeads(ctx context.Context, filter model.PermitFilter) ([]model.PermitRow, error) {
	query := sqliteSelectPermitSQL + " WHERE 1 = 1"
	var args []any
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.Days > 0 {
		query += " AND updated_at >= ?"
		args = append(args, formatTime(s.now().AddDate(0, 0, -filter.Days)))
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: permits for leads")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PermitRow
	for rows.Next() {
		p, err := scanSQLitePermit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan permit")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate permits")
}

func (s *SQLiteStore) FlagConflict(ctx context.Context, c *model.PermitConflict) error {
	var raw any
	if len(c.RawData) > 0 {
		raw = string(c.RawData)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permit_conflicts (source, permit_id, source_record_id, existing_record_id, raw_data, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, permit_id, source_record_id) DO UPDATE
		 SET existing_record_id = excluded.existing_record_id, raw_data = excluded.raw_data,
		     detected_at = excluded.detected_at`,
		c.Source, c.PermitID, c.SourceRecordID, c.ExistingRecordID, raw, s.stamp(),
	)
	return eris.Wrapf(err, "sqlite: flag conflict %s/%s", c.Source, c.PermitID)
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, source string, limit int) ([]model.PermitConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, permit_id, source_record_id, existing_record_id, detected_at
		 FROM permit_conflicts WHERE ? = '' OR source = ?
		 ORDER BY detected_at DESC, id DESC LIMIT ?`,
		source, source, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PermitConflict
	for rows.Next() {
		var c model.PermitConflict
		var detected string
		if err := rows.Scan(&c.ID, &c.Source, &c.PermitID, &c.SourceRecordID, &c.ExistingRecordID, &detected); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		if c.DetectedAt, err = parseTime(detected); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate conflicts")
}

func (s *SQLiteStore) UpsertLead(ctx context.Context, l *model.Lead) (*model.Lead, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: begin lead upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stored := *l
	now := s.stamp()
	createdAt := now
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, created_at FROM leads WHERE permit_ref = ?`, l.PermitRef,
	).Scan(&stored.ID, &status, &createdAt)

	inserted := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		inserted = true
		status = string(l.Status)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO leads (id, permit_ref, name, address, county, service, value, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.PermitRef, l.Name, nullString(l.Address), l.County, l.Service, l.Value, status, now, now,
		)
	case err != nil:
		return nil, false, eris.Wrap(err, "sqlite: lookup lead")
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE leads SET name = ?, address = ?, county = ?, service = ?, value = ?, updated_at = ?
			 WHERE permit_ref = ?`,
			l.Name, nullString(l.Address), l.County, l.Service, l.Value, now, l.PermitRef,
		)
	}
	if err != nil {
		return nil, false, eris.Wrapf(classify(err), "sqlite: upsert lead for permit %d", l.PermitRef)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: commit lead upsert")
	}

	stored.Status = model.LeadStatus(status)
	if stored.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, false, err
	}
	if stored.UpdatedAt, err = parseTime(now); err != nil {
		return nil, false, err
	}
	return &stored, inserted, nil
}

func (s *SQLiteStore) GetLeadByPermit(ctx context.Context, permitRef int64) (*model.Lead, error) {
	var l model.Lead
	var address sql.NullString
	var value sql.NullFloat64
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, permit_ref, name, address, county, service, value, status, created_at, updated_at
		 FROM leads WHERE permit_ref = ?`, permitRef,
	).Scan(&l.ID, &l.PermitRef, &l.Name, &address, &l.County, &l.Service, &value, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead for permit %d", permitRef)
	}
	l.Address = address.String
	l.Value = nullFloat(value)
	l.Status = model.LeadStatus(status)
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteStore) GetLastRun(ctx context.Context, source string) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT last_run FROM sync_state WHERE source = ?`, source).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last run for %s", source)
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) UpdateLastRun(ctx context.Context, source string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (source, last_run, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (source) DO UPDATE SET last_run = excluded.last_run, updated_at = excluded.updated_at`,
		source, formatTime(t), s.stamp(),
	)
	return eris.Wrapf(err, "sqlite: update last run for %s", source)
}

func (s *SQLiteStore) ListSyncState(ctx context.Context) ([]model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, last_run FROM sync_state ORDER BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync state")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncState
	for rows.Next() {
		var st model.SyncState
		var raw string
		if err := rows.Scan(&st.Source, &raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync state")
		}
		if st.LastRun, err = parseTime(raw); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sync state")
}

func (s *SQLiteStore) StartRun(ctx context.Context, source string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, source, status, started_at) VALUES (?, ?, ?, ?)`,
		id, source, string(model.RunStatusRunning), s.stamp(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start run for %s", source)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, summary *model.Summary) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, "", summary)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string, summary *model.Summary) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, errMsg, summary)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string, summary *model.Summary) error {
	summaryJSON, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	var summaryArg any
	if summaryJSON != nil {
		summaryArg = string(summaryJSON)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs SET status = ?, completed_at = ?, summary = ?, error = ? WHERE id = ?`,
		string(status), s.stamp(), summaryArg, nullString(errMsg), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunEntry, error) {
	query := `SELECT id, source, status, started_at, completed_at, summary, error FROM ingest_runs WHERE 1 = 1`
	var args []any
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunEntry
	for rows.Next() {
		var e model.RunEntry
		var status, startedAt string
		var completedAt, summaryJSON, errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.Source, &status, &startedAt, &completedAt, &summaryJSON, &errStr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		e.Status = model.RunStatus(status)
		e.Error = errStr.String
		if e.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		if e.Summary, err = unmarshalSummary([]byte(summaryJSON.String)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s not found: %s", entity, id)
	}
	return nil
}

func scanSQLitePermit(r scannable) (*model.PermitRow, error) {
	var p model.PermitRow
	var permitID, permitNumber, jurisdiction, status, permitType, workDesc sql.NullString
	var address, city, state, zipcode, applicant, owner, contractor sql.NullString
	var lat, lon, valuation sql.NullFloat64
	var issued, applied, raw sql.NullString
	var createdAt, updatedAt string
	err := r.Scan(&p.ID,
		&p.Source, &p.SourceRecordID, &permitID, &permitNumber, &jurisdiction, &p.County,
		&status, &permitType, &workDesc, &p.Name, &address, &city, &state, &zipcode,
		&lat, &lon, &p.Location, &applicant, &owner, &contractor,
		&valuation, &issued, &applied, &raw,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PermitID = permitID.String
	p.PermitNumber = permitNumber.String
	p.Jurisdiction = jurisdiction.String
	p.Status = status.String
	p.PermitType = permitType.String
	p.WorkDescription = workDesc.String
	p.Address = address.String
	p.City = city.String
	p.State = state.String
	p.Zipcode = zipcode.String
	p.ApplicantName = applicant.String
	p.OwnerName = owner.String
	p.ContractorName = contractor.String
	p.Latitude = nullFloat(lat)
	p.Longitude = nullFloat(lon)
	p.Valuation = nullFloat(valuation)
	if raw.Valid {
		p.RawData = []byte(raw.String)
	}
	if p.IssuedDate, err = parseNullTime(issued); err != nil {
		return nil, err
	}
	if p.ApplicationDate, err = parseNullTime(applied); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
