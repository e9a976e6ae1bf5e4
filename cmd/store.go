package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permitsync/internal/config"
	"github.com/sells-group/permitsync/internal/store"
)

// initStore opens the configured store and applies migrations.
// Callers should defer Close.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate(config.ScopeStore); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
