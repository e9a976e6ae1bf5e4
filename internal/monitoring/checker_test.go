package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/permitsync/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24, FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(&mockStore{}, nil, 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}, nil, 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, checker.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsStaleAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, StaleAfterHours: 48, LookbackWindowHours: 24}
	collector := newTestCollector(&mockStore{}, []string{"tx-austin", "tx-houston"}, 48*time.Hour)
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	assert.Equal(t, 2, checker.Check(context.Background()))
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_RepeatsOnlyAfterConditionClears(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, StaleAfterHours: 48, LookbackWindowHours: 24}
	collector := newTestCollector(&mockStore{}, []string{"tx-austin", "tx-houston"}, 48*time.Hour)
	checker := NewChecker(collector, NewAlerter(cfg), cfg)
	ctx := context.Background()

	assert.Equal(t, 2, checker.Check(ctx))
	assert.Zero(t, checker.Check(ctx), "still-stale sources are not re-sent")
	assert.Equal(t, int32(2), received.Load())

	collector.sources = []string{"tx-austin"}
	assert.Zero(t, checker.Check(ctx))

	collector.sources = []string{"tx-austin", "tx-houston"}
	assert.Equal(t, 1, checker.Check(ctx), "tx-houston cleared and went stale again")
	assert.Equal(t, int32(3), received.Load())
}

func TestChecker_CheckCancelledContext(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	checker := NewChecker(newTestCollector(&mockStore{}, []string{"tx-austin"}, time.Hour), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, checker.Check(ctx))
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockStore{runsErr: errors.New("db down")}, nil, 0), NewAlerter(cfg), cfg)
	assert.Zero(t, checker.Check(context.Background()))
}
