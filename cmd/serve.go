package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/config"
	"github.com/sells-group/permitsync/internal/ingest"
	"github.com/sells-group/permitsync/internal/model"
	"github.com/sells-group/permitsync/internal/monitoring"
	"github.com/sells-group/permitsync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion trigger server for external schedulers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(config.ScopeServer); err != nil {
			return err
		}

		env, err := initIngest(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Registry.Names(),
				time.Duration(cfg.Monitoring.StaleAfterHours)*time.Hour),
			env.Alerter,
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(env, ingestOptsFromConfig(cfg)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func ingestOptsFromConfig(c *config.Config) ingest.RunOpts {
	return ingest.RunOpts{
		SinceDays:   c.Ingest.FallbackDays,
		FailOnEmpty: c.Ingest.FailOnEmpty,
		Timeout:     c.Ingest.Timeout(),
	}
}

// ingestResponse is the body returned by POST /ingest/{source}.
type ingestResponse struct {
	Source  string         `json:"source"`
	Summary *model.Summary `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// buildRouter wires the scheduler-facing endpoints. defaults seeds the
// options of every triggered invocation; query parameters override them.
func buildRouter(env *ingestEnv, defaults ingest.RunOpts) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/ingest/{source}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "source")
		if _, err := env.Registry.Get(name); err != nil {
			writeJSON(w, http.StatusNotFound, ingestResponse{Source: name, Error: err.Error()})
			return
		}

		opts, err := parseRunOpts(req, defaults)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ingestResponse{Source: name, Error: err.Error()})
			return
		}

		sum, err := env.runSource(req.Context(), name, opts)
		resp := ingestResponse{Source: name, Summary: sum}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, resp)
		case errors.Is(err, ErrSourceBusy):
			resp.Error = err.Error()
			writeJSON(w, http.StatusConflict, resp)
		case errors.Is(err, ingest.ErrEmptyResult):
			resp.Error = err.Error()
			writeJSON(w, http.StatusUnprocessableEntity, resp)
		default:
			resp.Error = err.Error()
			writeJSON(w, http.StatusBadGateway, resp)
		}
	})

	r.Get("/sync-state", func(w http.ResponseWriter, req *http.Request) {
		states, err := env.Store.ListSyncState(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if states == nil {
			states = []model.SyncState{}
		}
		writeJSON(w, http.StatusOK, states)
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := store.RunFilter{
			Source: q.Get("source"),
			Status: model.RunStatus(q.Get("status")),
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
			filter.Limit = n
		}
		runs, err := env.Store.ListRuns(req.Context(), filter)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []model.RunEntry{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	return r
}

// parseRunOpts applies since_days, fail_on_empty and skip_leads query
// parameters over defaults.
func parseRunOpts(req *http.Request, defaults ingest.RunOpts) (ingest.RunOpts, error) {
	opts := defaults
	q := req.URL.Query()
	if v := q.Get("since_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, eris.Errorf("since_days must be a positive integer, got %q", v)
		}
		opts.SinceDays = n
	}
	for key, dst := range map[string]*bool{
		"fail_on_empty": &opts.FailOnEmpty,
		"skip_leads":    &opts.SkipLeads,
	} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, eris.Errorf("%s must be a boolean, got %q", key, v)
		}
		*dst = b
	}
	return opts, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to write response", zap.Error(err))
	}
}
