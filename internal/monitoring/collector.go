package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/store"
)

// StaleSource is a configured source whose watermark has not moved recently.
type StaleSource struct {
	Source  string     `json:"source"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// Snapshot holds a point-in-time view of ingestion health.
type Snapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`
	RecordErrors int     `json:"record_errors"`
	Upserted     int     `json:"upserted"`

	Stale []StaleSource `json:"stale,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source abstracts the store methods the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.RunEntry, error)
	ListSyncState(ctx context.Context) ([]model.SyncState, error)
}

// Collector gathers health metrics from the run log and sync state.
type Collector struct {
	store      Source
	sources    []string
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. sources are the configured source names
// checked for staleness; staleAfter of zero disables the check.
func NewCollector(st Source, sources []string, staleAfter time.Duration) *Collector {
	return &Collector{store: st, sources: sources, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Summary != nil {
			snap.RecordErrors += len(r.Summary.Errors)
			snap.Upserted += r.Summary.Upserted
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.staleAfter > 0 {
		states, err := c.store.ListSyncState(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list sync state")
		}
		last := make(map[string]time.Time, len(states))
		for _, s := range states {
			last[s.Source] = s.LastRun
		}
		for _, name := range c.sources {
			t, ok := last[name]
			switch {
			case !ok:
				snap.Stale = append(snap.Stale, StaleSource{Source: name})
			case now.Sub(t) > c.staleAfter:
				snap.Stale = append(snap.Stale, StaleSource{Source: name, LastRun: &t})
			}
		}
	}

	return snap, nil
}
