package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permitsync/internal/config"
	"github.com/sells-group/permitsync/internal/ingest"
	"github.com/sells-group/permitsync/internal/model"
)

func doRequest(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	env := newTestEnv(t, config.MonitoringConfig{})
	rr := doRequest(buildRouter(env, ingest.RunOpts{}), http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestRouter_IngestAndSyncState(t *testing.T) {
	srv := respond(t, http.StatusOK, austinBody)
	env := newTestEnv(t, config.MonitoringConfig{}, queryAPI("tx-austin", srv.URL))
	h := buildRouter(env, ingest.RunOpts{SinceDays: 7})

	rr := doRequest(h, http.MethodPost, "/ingest/tx-austin?skip_leads=true")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "tx-austin", resp.Source)
	assert.Empty(t, resp.Error)
	require.NotNil(t, resp.Summary)
	assert.Equal(t, 1, resp.Summary.Upserted)
	assert.Zero(t, resp.Summary.LeadsCreated)
	assert.True(t, testNow.AddDate(0, 0, -7).Equal(resp.Summary.Since))

	rr = doRequest(h, http.MethodGet, "/sync-state")
	require.Equal(t, http.StatusOK, rr.Code)
	var states []model.SyncState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, "tx-austin", states[0].Source)
	assert.True(t, testNow.Equal(states[0].LastRun))

	rr = doRequest(h, http.MethodGet, "/runs?source=tx-austin&limit=5")
	require.Equal(t, http.StatusOK, rr.Code)
	var runs []model.RunEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
}

func TestRouter_IngestUnknownSource(t *testing.T) {
	env := newTestEnv(t, config.MonitoringConfig{})
	rr := doRequest(buildRouter(env, ingest.RunOpts{}), http.MethodPost, "/ingest/tx-nowhere")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown source")
}

func TestRouter_IngestBadParams(t *testing.T) {
	srv := respond(t, http.StatusOK, austinBody)
	env := newTestEnv(t, config.MonitoringConfig{}, queryAPI("tx-austin", srv.URL))
	h := buildRouter(env, ingest.RunOpts{})

	rr := doRequest(h, http.MethodPost, "/ingest/tx-austin?since_days=-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(h, http.MethodPost, "/ingest/tx-austin?fail_on_empty=maybe")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(h, http.MethodGet, "/runs?limit=lots")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_IngestFailures(t *testing.T) {
	empty := respond(t, http.StatusOK, `[]`)
	down := respond(t, http.StatusServiceUnavailable, "down")
	env := newTestEnv(t, config.MonitoringConfig{}, queryAPI("tx-austin", empty.URL), queryAPI("tx-dallas", down.URL))
	h := buildRouter(env, ingest.RunOpts{})

	rr := doRequest(h, http.MethodPost, "/ingest/tx-austin?fail_on_empty=true")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doRequest(h, http.MethodPost, "/ingest/tx-dallas")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "503")
}

func TestRouter_IngestBusy(t *testing.T) {
	srv := respond(t, http.StatusOK, austinBody)
	env := newTestEnv(t, config.MonitoringConfig{}, queryAPI("tx-austin", srv.URL))

	unlock, err := lockSource(env.LockDir, "tx-austin")
	require.NoError(t, err)
	defer unlock()

	rr := doRequest(buildRouter(env, ingest.RunOpts{}), http.MethodPost, "/ingest/tx-austin")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestParseRunOpts(t *testing.T) {
	defaults := ingest.RunOpts{SinceDays: 7, FailOnEmpty: true}
	req := httptest.NewRequest(http.MethodPost, "/ingest/x?since_days=30&fail_on_empty=false&skip_leads=1", nil)

	opts, err := parseRunOpts(req, defaults)
	require.NoError(t, err)
	assert.Equal(t, 30, opts.SinceDays)
	assert.False(t, opts.FailOnEmpty)
	assert.True(t, opts.SkipLeads)
}

func TestIngestOptsFromConfig(t *testing.T) {
	opts := ingestOptsFromConfig(&config.Config{Ingest: config.IngestConfig{FallbackDays: 10, TimeoutSecs: 30}})
	assert.Equal(t, 10, opts.SinceDays)
	assert.Equal(t, "30s", opts.Timeout.String())
}

