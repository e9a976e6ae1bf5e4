package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/store"
)

// -- ingest status --

var ingestStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the watermark of every source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		states, err := st.ListSyncState(ctx)
		if err != nil {
			return eris.Wrap(err, "ingest status")
		}

		formatSyncState(os.Stdout, cfg.ResolvedSourceNames(), states, time.Now())
		return nil
	},
}

// -- ingest runs --

var ingestRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent ingestion runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.RunFilter{}
		filter.Source, _ = cmd.Flags().GetString("source")
		status, _ := cmd.Flags().GetString("status")
		filter.Status = model.RunStatus(status)
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "ingest runs")
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- ingest conflicts --

var ingestConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List records rejected for reusing another record's permit id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		src, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		conflicts, err := st.ListConflicts(ctx, src, limit)
		if err != nil {
			return eris.Wrap(err, "ingest conflicts")
		}

		formatConflicts(os.Stdout, conflicts)
		return nil
	},
}

func init() {
	ingestRunsCmd.Flags().String("source", "", "filter by source name")
	ingestRunsCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	ingestRunsCmd.Flags().Int("limit", 50, "max number of runs to display")

	ingestConflictsCmd.Flags().String("source", "", "filter by source name")
	ingestConflictsCmd.Flags().Int("limit", 50, "max number of conflicts to display")

	ingestCmd.AddCommand(ingestStatusCmd)
	ingestCmd.AddCommand(ingestRunsCmd)
	ingestCmd.AddCommand(ingestConflictsCmd)
}

// formatSyncState writes one line per configured source, followed by any
// source that has a watermark but is no longer configured.
func formatSyncState(out io.Writer, configured []string, states []model.SyncState, now time.Time) {
	last := make(map[string]time.Time, len(states))
	for _, s := range states {
		last[s.Source] = s.LastRun
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tLAST_RUN\tAGE")
	_, _ = fmt.Fprintln(w, "------\t--------\t---")

	seen := make(map[string]bool, len(configured))
	row := func(name string) {
		t, ok := last[name]
		if !ok {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, "never", "-")
			return
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name,
			t.UTC().Format("2006-01-02 15:04"),
			now.Sub(t).Round(time.Minute).String())
	}
	for _, name := range configured {
		seen[name] = true
		row(name)
	}
	for _, s := range states {
		if !seen[s.Source] {
			row(s.Source)
		}
	}
	_ = w.Flush()
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSTARTED\tDURATION\tFETCHED\tUPSERTED\tERRORS")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t--------\t-------\t--------\t------")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		fetched, upserted, errs := "-", "-", "-"
		if r.Summary != nil {
			fetched = fmt.Sprint(r.Summary.Fetched)
			upserted = fmt.Sprint(r.Summary.Upserted)
			errs = fmt.Sprint(len(r.Summary.Errors))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Source,
			r.Status,
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			dur,
			fetched,
			upserted,
			errs,
		)
		if r.Error != "" {
			_, _ = fmt.Fprintf(w, "\t\terror: %s\t\t\t\t\t\n", truncate(r.Error, 80))
		}
	}
	_ = w.Flush()
}

// formatConflicts writes a tabular list of identity conflicts to w.
func formatConflicts(out io.Writer, conflicts []model.PermitConflict) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tPERMIT_ID\tRECORD\tEXISTING\tDETECTED")
	for _, c := range conflicts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.Source,
			c.PermitID,
			c.SourceRecordID,
			c.ExistingRecordID,
			c.DetectedAt.UTC().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
