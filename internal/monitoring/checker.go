package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker samples ingestion health on an interval and posts the alerts each
// sweep raises. A condition is reported once when it appears and stays quiet
// while later sweeps still see it; it is re-armed after a sweep that no
// longer reports it.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration

	mu     sync.Mutex
	active map[string]bool
}

// NewChecker wires a checker from the monitoring config.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
		active:    map[string]bool{},
	}
}

// Run sweeps once right away and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("health checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one sweep and returns how many new alerts it raised.
func (c *Checker) Check(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("collect health snapshot", zap.Error(err))
		return 0
	}

	raised := c.raise(c.alerter.EvaluateSnapshot(snap))
	if len(raised) == 0 {
		log.Debug("health sweep clean", zap.Int("stale_sources", len(snap.Stale)))
		return 0
	}
	sent := c.alerter.SendAlerts(ctx, raised)
	log.Info("health sweep raised alerts", zap.Int("raised", len(raised)), zap.Int("sent", sent))
	return len(raised)
}

// raise filters alerts down to conditions not active after the previous
// sweep and records the current set as active.
func (c *Checker) raise(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		key := string(a.Type) + "/" + a.Source
		next[key] = true
		if !c.active[key] {
			fresh = append(fresh, a)
		}
	}
	c.active = next
	return fresh
}
