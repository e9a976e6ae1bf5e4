package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permitsync/internal/config"
	"github.com/sells-group/permitsync/internal/ingest"
)

func TestRunSources_IndependentInvocations(t *testing.T) {
	good := respond(t, http.StatusOK, austinBody)
	bad := respond(t, http.StatusServiceUnavailable, "down")
	env := newTestEnv(t, config.MonitoringConfig{}, queryAPI("tx-austin", good.URL), queryAPI("tx-dallas", bad.URL))
	ctx := context.Background()

	results, err := env.runSources(ctx, []string{"tx-austin", "tx-dallas"}, ingest.RunOpts{SinceDays: 30}, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 sources failed: tx-dallas")
	require.Len(t, results, 2)

	assert.Equal(t, "tx-austin", results[0].Source)
	assert.Empty(t, results[0].Error)
	require.NotNil(t, results[0].Summary)
	assert.Equal(t, 1, results[0].Summary.Inserted)
	assert.Equal(t, 1, results[0].Summary.LeadsCreated)

	assert.Equal(t, "tx-dallas", results[1].Source)
	assert.Contains(t, results[1].Error, "503")

	austin, err := env.Store.GetLastRun(ctx, "tx-austin")
	require.NoError(t, err)
	require.NotNil(t, austin)
	assert.True(t, testNow.Equal(*austin))

	dallas, err := env.Store.GetLastRun(ctx, "tx-dallas")
	require.NoError(t, err)
	assert.Nil(t, dallas)
}

func TestRunSource_SendsAlerts(t *testing.T) {
	var alerts atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		alerts.Add(1)
	}))
	defer hook.Close()

	empty := respond(t, http.StatusOK, `[]`)
	bad := respond(t, http.StatusBadGateway, "bad gateway")
	env := newTestEnv(t,
		config.MonitoringConfig{WebhookURL: hook.URL, ExpectActivity: []string{"tx-austin"}},
		queryAPI("tx-austin", empty.URL), queryAPI("tx-dallas", bad.URL),
	)

	// Quiet source that is expected to have activity.
	sum, err := env.runSource(context.Background(), "tx-austin", ingest.RunOpts{})
	require.NoError(t, err)
	assert.Zero(t, sum.Upserted)
	assert.Equal(t, int32(1), alerts.Load())

	// Failed fetch.
	_, err = env.runSource(context.Background(), "tx-dallas", ingest.RunOpts{})
	require.Error(t, err)
	assert.Equal(t, int32(2), alerts.Load())
}

func TestRunSource_Busy(t *testing.T) {
	srv := respond(t, http.StatusOK, austinBody)
	env := newTestEnv(t, config.MonitoringConfig{}, queryAPI("tx-austin", srv.URL))

	unlock, err := lockSource(env.LockDir, "tx-austin")
	require.NoError(t, err)

	_, err = env.runSource(context.Background(), "tx-austin", ingest.RunOpts{})
	require.ErrorIs(t, err, ErrSourceBusy)

	unlock()
	_, err = env.runSource(context.Background(), "tx-austin", ingest.RunOpts{})
	require.NoError(t, err)
}

func TestLockSource(t *testing.T) {
	dir := t.TempDir()

	unlock, err := lockSource(dir, "tx-harris")
	require.NoError(t, err)

	other := flock.New(dir + "/tx-harris.lock")
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "lock should be held")

	unlock()
	ok, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, ok, "lock should be free after unlock")
	require.NoError(t, other.Unlock())
}

func TestLockSource_Disabled(t *testing.T) {
	unlock, err := lockSource("", "tx-harris")
	require.NoError(t, err)
	unlock()
}

func TestRunOptsFromFlags(t *testing.T) {
	cfg = &config.Config{Ingest: config.IngestConfig{FallbackDays: 14, TimeoutSecs: 60, FailOnEmpty: true}}
	t.Cleanup(func() {
		_ = ingestRunCmd.Flags().Set("since-days", "0")
		_ = ingestRunCmd.Flags().Set("skip-leads", "false")
	})

	opts := runOptsFromFlags(ingestRunCmd)
	assert.Equal(t, 14, opts.SinceDays)
	assert.True(t, opts.FailOnEmpty)
	assert.Equal(t, "1m0s", opts.Timeout.String())
	assert.False(t, opts.SkipLeads)

	require.NoError(t, ingestRunCmd.Flags().Set("since-days", "3"))
	require.NoError(t, ingestRunCmd.Flags().Set("skip-leads", "true"))
	opts = runOptsFromFlags(ingestRunCmd)
	assert.Equal(t, 3, opts.SinceDays)
	assert.True(t, opts.SkipLeads)
}

