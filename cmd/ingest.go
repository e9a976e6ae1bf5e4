package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/permitsync/internal/ingest"
	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/monitoring"
)

// ErrSourceBusy is returned when another process holds a source's lock.
var ErrSourceBusy = errors.New("source is already being ingested")

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run and inspect permit ingestion",
}

var ingestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest one or more sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initIngest(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		names, _ := cmd.Flags().GetStringSlice("sources")
		if len(names) == 0 {
			names = env.Registry.Names()
		}
		if _, err := env.Registry.Select(names); err != nil {
			return err
		}

		opts := runOptsFromFlags(cmd)
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			concurrency = cfg.Ingest.Concurrency
		}

		results, err := env.runSources(ctx, names, opts, concurrency)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(results); encErr != nil {
			return eris.Wrap(encErr, "encode summaries")
		}
		return err
	},
}

func runOptsFromFlags(cmd *cobra.Command) ingest.RunOpts {
	sinceDays, _ := cmd.Flags().GetInt("since-days")
	if sinceDays <= 0 {
		sinceDays = cfg.Ingest.FallbackDays
	}
	failOnEmpty, _ := cmd.Flags().GetBool("fail-on-empty")
	skipLeads, _ := cmd.Flags().GetBool("skip-leads")
	return ingest.RunOpts{
		SinceDays:   sinceDays,
		FailOnEmpty: failOnEmpty || cfg.Ingest.FailOnEmpty,
		Timeout:     cfg.Ingest.Timeout(),
		SkipLeads:   skipLeads,
	}
}

// sourceResult is the outcome of one source's invocation.
type sourceResult struct {
	Source  string         `json:"source"`
	Summary *model.Summary `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// runSources ingests each named source as its own invocation. A failing
// source does not stop the others.
func (e *ingestEnv) runSources(ctx context.Context, names []string, opts ingest.RunOpts, concurrency int) ([]sourceResult, error) {
	results := make([]sourceResult, len(names))

	var (
		mu     sync.Mutex
		failed []string
	)

	g := new(errgroup.Group)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, name := range names {
		g.Go(func() error {
			sum, err := e.runSource(ctx, name, opts)
			results[i] = sourceResult{Source: name, Summary: sum}
			if err != nil {
				results[i].Error = err.Error()
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return results, eris.Errorf("ingest: %d of %d sources failed: %s",
			len(failed), len(names), strings.Join(failed, ", "))
	}
	return results, nil
}

// runSource runs one invocation under the source's lock and sends any
// alerts its outcome triggers.
func (e *ingestEnv) runSource(ctx context.Context, name string, opts ingest.RunOpts) (*model.Summary, error) {
	unlock, err := lockSource(e.LockDir, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sum, err := e.Runner.RunIngestion(ctx, name, opts)

	var alerts []monitoring.Alert
	if err != nil {
		alerts = append(alerts, e.Alerter.EvaluateFailure(name, err))
	}
	alerts = append(alerts, e.Alerter.Evaluate(sum)...)
	if len(alerts) > 0 {
		e.Alerter.SendAlerts(context.WithoutCancel(ctx), alerts)
	}
	return sum, err
}

// lockSource takes the per-source lock file in dir. An empty dir disables
// locking.
func lockSource(dir, name string) (func(), error) {
	if dir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "create lock dir")
	}

	fl := flock.New(filepath.Join(dir, name+".lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "lock %s", name)
	}
	if !ok {
		return nil, eris.Wrapf(ErrSourceBusy, "ingest: %s", name)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			zap.L().Warn("failed to release source lock", zap.String("source", name), zap.Error(err))
		}
	}, nil
}

func init() {
	ingestRunCmd.Flags().StringSlice("sources", nil, "sources to ingest (default all configured)")
	ingestRunCmd.Flags().Int("since-days", 0, "lookback in days for sources that never completed a batch (default from config)")
	ingestRunCmd.Flags().Bool("fail-on-empty", false, "treat an empty fetch as a failure")
	ingestRunCmd.Flags().Bool("skip-leads", false, "do not derive leads from upserted permits")
	ingestRunCmd.Flags().Int("concurrency", 0, "sources ingested in parallel (default from config)")

	ingestCmd.AddCommand(ingestRunCmd)
	rootCmd.AddCommand(ingestCmd)
}
