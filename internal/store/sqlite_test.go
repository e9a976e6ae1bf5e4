package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/permit"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestSQLite(t *testing.T) (*SQLiteStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := NewSQLite(filepath.Join(t.TempDir(), "permits.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s, clock
}

func ptr[T any](v T) *T { return &v }

func testRow(t *testing.T, source, recordID, permitID string) *model.PermitRow {
	t.Helper()
	row, err := permit.Prepare(&model.Permit{
		Source:          source,
		SourceRecordID:  recordID,
		PermitID:        permitID,
		PermitNumber:    permitID,
		Jurisdiction:    "Austin",
		Status:          "Issued",
		PermitType:      "Mechanical",
		WorkDescription: "Replace HVAC unit",
		Address:         "100 Congress Ave",
		City:            "Austin",
		State:           "TX",
		Latitude:        ptr(30.2672),
		Longitude:       ptr(-97.7431),
		ApplicantName:   "Jane Doe",
		Valuation:       ptr(12500.0),
		IssuedDate:      ptr(time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)),
		RawData:         []byte(`{"permit_number":"` + permitID + `"}`),
	})
	require.NoError(t, err)
	return row
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	s, _ := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLite_UpsertPermit_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSQLite(t)

	first, err := s.UpsertPermit(ctx, testRow(t, "austin", "A1", "2026-001"))
	require.NoError(t, err)
	assert.Equal(t, model.ActionInserted, first.Action)
	assert.NotZero(t, first.PermitRowID)

	clock.Advance(time.Hour)
	second, err := s.UpsertPermit(ctx, testRow(t, "austin", "A1", "2026-001"))
	require.NoError(t, err)
	assert.Equal(t, model.ActionUpdated, second.Action)
	assert.Equal(t, first.PermitRowID, second.PermitRowID)

	n, err := s.CountPermits(ctx, "austin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetPermit(ctx, "austin", "A1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Row.CreatedAt, got.CreatedAt)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestSQLite_UpsertPermit_OverwritesChangedFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)

	_, err := s.UpsertPermit(ctx, testRow(t, "austin", "A1", "2026-001"))
	require.NoError(t, err)

	changed := testRow(t, "austin", "A1", "2026-001")
	changed.Status = "Final"
	changed.Valuation = nil
	_, err = s.UpsertPermit(ctx, changed)
	require.NoError(t, err)

	got, err := s.GetPermit(ctx, "austin", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Final", got.Status)
	assert.Nil(t, got.Valuation)
}

func TestSQLite_GetPermit_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)

	row := testRow(t, "austin", "A1", "2026-001")
	_, err := s.UpsertPermit(ctx, row)
	require.NoError(t, err)

	got, err := s.GetPermit(ctx, "austin", "A1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2026-001", got.PermitID)
	assert.Equal(t, "Travis County", got.County)
	assert.Equal(t, "Replace HVAC unit", got.Name)
	assert.Equal(t, "Jane Doe", got.ApplicantName)
	assert.Empty(t, got.OwnerName)
	require.NotNil(t, got.Valuation)
	assert.InDelta(t, 12500.0, *got.Valuation, 0.001)
	require.NotNil(t, got.IssuedDate)
	assert.True(t, row.IssuedDate.Equal(*got.IssuedDate))
	assert.Nil(t, got.ApplicationDate)
	assert.JSONEq(t, `{"permit_number":"2026-001"}`, string(got.RawData))

	lat, lon, err := permit.DecodeLocation(got.Location)
	require.NoError(t, err)
	assert.InDelta(t, 30.2672, lat, 1e-9)
	assert.InDelta(t, -97.7431, lon, 1e-9)
}

func TestSQLite_GetPermit_Missing(t *testing.T) {
	s, _ := newTestSQLite(t)
	got, err := s.GetPermit(context.Background(), "austin", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_UpsertPermit_IdentityConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)

	_, err := s.UpsertPermit(ctx, testRow(t, "austin", "A1", "2026-001"))
	require.NoError(t, err)

	_, err = s.UpsertPermit(ctx, testRow(t, "austin", "A2", "2026-001"))
	require.Error(t, err)
	var ice *permit.IdentityConflictError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "A1", ice.ExistingRecordID)
	assert.True(t, IsRecordScoped(err))

	n, err := s.CountPermits(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_UpsertPermit_SamePermitIDAcrossSources(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)

	_, err := s.UpsertPermit(ctx, testRow(t, "austin", "A1", "2026-001"))
	require.NoError(t, err)
	_, err = s.UpsertPermit(ctx, testRow(t, "dallas", "D1", "2026-001"))
	require.NoError(t, err)

	n, err := s.CountPermits(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLite_UpsertPermit_BlankNameRejected(t *testing.T) {
	s, _ := newTestSQLite(t)

	row := testRow(t, "austin", "A1", "2026-001")
	row.Name = "  "
	_, err := s.UpsertPermit(context.Background(), row)
	require.Error(t, err)
	assert.True(t, IsRecordScoped(err))
}

func TestSQLite_PermitsForLeads(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSQLite(t)

	_, err := s.UpsertPermit(ctx, testRow(t, "austin", "OLD", "2026-001"))
	require.NoError(t, err)
	clock.Advance(10 * 24 * time.Hour)
	_, err = s.UpsertPermit(ctx, testRow(t, "austin", "NEW", "2026-002"))
	require.NoError(t, err)
	_, err = s.UpsertPermit(ctx, testRow(t, "dallas", "D1", "2026-003"))
	require.NoError(t, err)

	all, err := s.PermitsForLeads(ctx, model.PermitFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "D1", all[0].SourceRecordID)
	assert.Equal(t, "OLD", all[2].SourceRecordID)

	austin, err := s.PermitsForLeads(ctx, model.PermitFilter{Source: "austin"})
	require.NoError(t, err)
	assert.Len(t, austin, 2)

	recent, err := s.PermitsForLeads(ctx, model.PermitFilter{Source: "austin", Days: 5})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "NEW", recent[0].SourceRecordID)

	limited, err := s.PermitsForLeads(ctx, model.PermitFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_UpsertLead_PreservesIdentityAndStatus(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSQLite(t)

	res, err := s.UpsertPermit(ctx, testRow(t, "austin", "A1", "2026-001"))
	require.NoError(t, err)

	first, inserted, err := s.UpsertLead(ctx, &model.Lead{
		ID: "lead-1", PermitRef: res.PermitRowID, Name: "Jane Doe",
		County: "Travis", Service: model.ServiceHVAC, Value: ptr(12500.0), Status: model.LeadStatusNew,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "lead-1", first.ID)

	clock.Advance(time.Minute)
	second, inserted, err := s.UpsertLead(ctx, &model.Lead{
		ID: "lead-2", PermitRef: res.PermitRowID, Name: "Jane Doe",
		Address: "100 Congress Ave", County: "Travis", Service: model.ServiceElectrical,
		Status: model.LeadStatusNew,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "lead-1", second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := s.GetLeadByPermit(ctx, res.PermitRowID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "lead-1", got.ID)
	assert.Equal(t, model.ServiceElectrical, got.Service)
	assert.Equal(t, "100 Congress Ave", got.Address)
	assert.Nil(t, got.Value)
	assert.Equal(t, model.LeadStatusNew, got.Status)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestSQLite_UpsertLead_UnknownPermit(t *testing.T) {
	s, _ := newTestSQLite(t)
	_, _, err := s.UpsertLead(context.Background(), &model.Lead{
		ID: "lead-1", PermitRef: 999, Name: "X", County: "Unknown",
		Service: model.ServiceHomeServices, Status: model.LeadStatusNew,
	})
	require.Error(t, err)
	assert.True(t, IsRecordScoped(err))
}

func TestSQLite_GetLeadByPermit_Missing(t *testing.T) {
	s, _ := newTestSQLite(t)
	got, err := s.GetLeadByPermit(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_SyncState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)

	last, err := s.GetLastRun(ctx, "austin")
	require.NoError(t, err)
	assert.Nil(t, last)

	t1 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateLastRun(ctx, "austin", t1))
	t2 := t1.Add(24 * time.Hour)
	require.NoError(t, s.UpdateLastRun(ctx, "austin", t2))
	require.NoError(t, s.UpdateLastRun(ctx, "dallas", t1))

	last, err = s.GetLastRun(ctx, "austin")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, t2.Equal(*last))

	states, err := s.ListSyncState(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "austin", states[0].Source)
	assert.Equal(t, "dallas", states[1].Source)
}

func TestSQLite_RunLog(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSQLite(t)

	okID, err := s.StartRun(ctx, "austin")
	require.NoError(t, err)
	summary := &model.Summary{Source: "austin", Fetched: 3, Upserted: 2}
	summary.AddError("row-3", model.ErrorNormalize, "missing identifier")
	require.NoError(t, s.CompleteRun(ctx, okID, summary))

	clock.Advance(time.Minute)
	failID, err := s.StartRun(ctx, "austin")
	require.NoError(t, err)
	require.NoError(t, s.FailRun(ctx, failID, "fetch: status 500", nil))

	runs, err := s.ListRuns(ctx, RunFilter{Source: "austin"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, failID, runs[0].ID)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "fetch: status 500", runs[0].Error)
	assert.Nil(t, runs[0].Summary)
	require.NotNil(t, runs[0].CompletedAt)

	assert.Equal(t, model.RunStatusComplete, runs[1].Status)
	require.NotNil(t, runs[1].Summary)
	assert.Equal(t, 2, runs[1].Summary.Upserted)
	assert.Equal(t, 1, runs[1].Summary.CountErrors(model.ErrorNormalize))

	failed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestSQLite_FinishUnknownRun(t *testing.T) {
	s, _ := newTestSQLite(t)
	err := s.CompleteRun(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_Conflicts(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSQLite(t)

	c := &model.PermitConflict{
		Source: "austin", PermitID: "2026-001", SourceRecordID: "A2",
		ExistingRecordID: "A1", RawData: []byte(`{"id":"A2"}`),
	}
	require.NoError(t, s.FlagConflict(ctx, c))
	clock.Advance(time.Hour)
	require.NoError(t, s.FlagConflict(ctx, c))

	conflicts, err := s.ListConflicts(ctx, "austin", 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "A1", conflicts[0].ExistingRecordID)
	assert.True(t, clock.Now().Equal(conflicts[0].DetectedAt))

	none, err := s.ListConflicts(ctx, "dallas", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_SinceTimestamp(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	since, err := SinceTimestamp(ctx, s, "austin", 7, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), since)

	last := time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateLastRun(ctx, "austin", last))
	since, err = SinceTimestamp(ctx, s, "austin", 7, now)
	require.NoError(t, err)
	assert.Equal(t, last.Add(-WatermarkBuffer), since)
}
