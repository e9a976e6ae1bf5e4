package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/store"
)

type mockStore struct {
	runs     []model.RunEntry
	states   []model.SyncState
	runsErr  error
	stateErr error
}

func (m *mockStore) ListRuns(context.Context, store.RunFilter) ([]model.RunEntry, error) {
	return m.runs, m.runsErr
}

func (m *mockStore) ListSyncState(context.Context) ([]model.SyncState, error) {
	return m.states, m.stateErr
}

var collectNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(st Source, sources []string, staleAfter time.Duration) *Collector {
	c := NewCollector(st, sources, staleAfter)
	c.now = func() time.Time { return collectNow }
	return c
}

func TestCollector_Runs(t *testing.T) {
	st := &mockStore{runs: []model.RunEntry{
		{Status: model.RunStatusComplete, StartedAt: collectNow.Add(-time.Hour),
			Summary: &model.Summary{Upserted: 10, Errors: []model.RecordError{{Kind: model.ErrorParse}}}},
		{Status: model.RunStatusComplete, StartedAt: collectNow.Add(-2 * time.Hour), Summary: &model.Summary{Upserted: 5}},
		{Status: model.RunStatusFailed, StartedAt: collectNow.Add(-3 * time.Hour)},
		{Status: model.RunStatusRunning, StartedAt: collectNow.Add(-time.Minute)},
		{Status: model.RunStatusFailed, StartedAt: collectNow.Add(-48 * time.Hour)},
	}}

	snap, err := newTestCollector(st, nil, 0).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.001)
	assert.Equal(t, 15, snap.Upserted)
	assert.Equal(t, 1, snap.RecordErrors)
	assert.Empty(t, snap.Stale)
	assert.Equal(t, collectNow, snap.CollectedAt)
}

func TestCollector_Stale(t *testing.T) {
	st := &mockStore{states: []model.SyncState{
		{Source: "tx-austin", LastRun: collectNow.Add(-time.Hour)},
		{Source: "tx-dallas", LastRun: collectNow.Add(-72 * time.Hour)},
	}}

	snap, err := newTestCollector(st, []string{"tx-austin", "tx-dallas", "tx-houston"}, 48*time.Hour).
		Collect(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, snap.Stale, 2)
	assert.Equal(t, "tx-dallas", snap.Stale[0].Source)
	require.NotNil(t, snap.Stale[0].LastRun)
	assert.Equal(t, "tx-houston", snap.Stale[1].Source)
	assert.Nil(t, snap.Stale[1].LastRun)
}

func TestCollector_Errors(t *testing.T) {
	_, err := newTestCollector(&mockStore{runsErr: errors.New("db down")}, nil, 0).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list runs")

	_, err = newTestCollector(&mockStore{stateErr: errors.New("db down")}, []string{"tx-austin"}, time.Hour).
		Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list sync state")
}
