package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/permitsync/internal/alias"
	"github.com/sells-group/permitsync/internal/config"
	"github.com/sells-group/permitsync/internal/fetcher"
	"github.com/sells-group/permitsync/internal/ingest"
	"github.com/sells-group/permitsync/internal/monitoring"
	"github.com/sells-group/permitsync/internal/source"
	"github.com/sells-group/permitsync/internal/store"
)

// ingestEnv holds everything the ingest and serve commands need.
type ingestEnv struct {
	Store    store.Store
	Registry *source.Registry
	Runner   *ingest.Runner
	Alerter  *monitoring.Alerter
	LockDir  string
}

// Close releases resources held by the environment.
func (e *ingestEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initIngest validates the config, opens the store and builds the source
// registry. Callers should defer env.Close().
func initIngest(ctx context.Context) (*ingestEnv, error) {
	if err := cfg.Validate(config.ScopeSources); err != nil {
		return nil, err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	return newIngestEnv(cfg, st, reg), nil
}

func newIngestEnv(c *config.Config, st store.Store, reg *source.Registry, opts ...ingest.Option) *ingestEnv {
	return &ingestEnv{
		Store:    st,
		Registry: reg,
		Runner:   ingest.NewRunner(reg, st, opts...),
		Alerter:  monitoring.NewAlerter(c.Monitoring),
		LockDir:  c.Ingest.LockDir,
	}
}

// buildRegistry wires one adapter per resolved source onto a shared
// rate-limited HTTP client.
func buildRegistry(c *config.Config) (*source.Registry, error) {
	base, err := loadAliases(c.Ingest.AliasesFile)
	if err != nil {
		return nil, err
	}

	client := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: c.Ingest.UserAgent,
		Retry:     c.Retry.Resilience(),
	})

	reg, err := source.Build(c.ResolvedSources(), client, base)
	if err != nil {
		return nil, eris.Wrap(err, "build source registry")
	}
	return reg, nil
}

// loadAliases layers the overrides in path over the built-in alias table.
// The file maps canonical field names to extra upstream names.
func loadAliases(path string) (*alias.Resolver, error) {
	if path == "" {
		return alias.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read aliases file")
	}
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "parse aliases file %s", path)
	}
	overrides, err := alias.ParseOverrides(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "aliases file %s", path)
	}
	return alias.Default().With(overrides), nil
}
