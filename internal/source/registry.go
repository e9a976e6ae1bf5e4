package source

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/permitsync/internal/alias"
	"github.com/sells-group/permitsync/internal/fetcher"
)

// HTTPClient is what the network adapters need from the fetcher.
type HTTPClient interface {
	fetcher.Fetcher
	Downloader
}

// New builds the adapter for cfg. base is the alias resolver every source
// starts from; per-source aliases in cfg take priority.
func New(cfg Config, client HTTPClient, base *alias.Resolver) (Adapter, error) {
	if cfg.Name == "" {
		return nil, eris.New("source: name is required")
	}
	if base == nil {
		base = alias.Default()
	}
	resolver := base
	if len(cfg.Aliases) > 0 {
		overrides, err := alias.ParseOverrides(cfg.Aliases)
		if err != nil {
			return nil, eris.Wrapf(err, "source %s", cfg.Name)
		}
		resolver = base.With(overrides)
	}
	n := NewNormalizer(cfg.Name, cfg.Jurisdiction, resolver)

	switch cfg.Kind {
	case KindQueryAPI:
		if cfg.URL == "" {
			return nil, eris.Errorf("source %s: url is required", cfg.Name)
		}
		return NewQueryAPI(cfg, client, n), nil
	case KindFeatureService:
		if cfg.URL == "" {
			return nil, eris.Errorf("source %s: url is required", cfg.Name)
		}
		return NewFeatureService(cfg, client, n), nil
	case KindFlatFile:
		if cfg.StagingDir == "" {
			return nil, eris.Errorf("source %s: staging_dir is required", cfg.Name)
		}
		return NewFlatFile(cfg, client, n), nil
	default:
		return nil, eris.Errorf("source %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// Registry maps source names to their adapters.
type Registry struct {
	adapters map[string]Adapter
	order    []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Build creates a registry holding one adapter per config.
func Build(cfgs []Config, client HTTPClient, base *alias.Resolver) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		a, err := New(cfg, client, base)
		if err != nil {
			return nil, err
		}
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if _, ok := r.adapters[name]; ok {
		return eris.Errorf("source: duplicate source %q", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Errorf("source: unknown source %q", name)
	}
	return a, nil
}

// Select returns the named adapters, or all of them when names is empty.
func (r *Registry) Select(names []string) ([]Adapter, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		a, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// All returns all adapters in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names returns all registered source names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
