package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/config"
	"github.com/sells-group/permitsync/internal/fetcher"
	"github.com/sells-group/permitsync/internal/ingest"
	"github.com/sells-group/permitsync/internal/resilience"
	"github.com/sells-group/permitsync/internal/source"
	"github.com/sells-group/permitsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestEnv builds an ingest environment over a temp SQLite store with
// one adapter per cfg.
func newTestEnv(t *testing.T, mon config.MonitoringConfig, cfgs ...source.Config) *ingestEnv {
	t.Helper()
	clock := func() time.Time { return testNow }

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "permits.db"), store.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	client := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: 5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
	})
	reg, err := source.Build(cfgs, client, nil)
	require.NoError(t, err)

	c := &config.Config{
		Monitoring: mon,
		Ingest:     config.IngestConfig{LockDir: t.TempDir()},
	}
	env := newIngestEnv(c, st, reg, ingest.WithClock(clock))
	t.Cleanup(env.Close)
	return env
}

// respond returns a server that answers every request with status and body.
func respond(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func queryAPI(name, url string) source.Config {
	return source.Config{Name: name, Kind: source.KindQueryAPI, URL: url}
}

const austinBody = `[{"source_record_id":"A1","permit_number":"BP-1","issued_date":"2024-01-15","description":"Kitchen remodel","applicant_name":"Jane Doe"}]`
