package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/permitsync/internal/resilience"
	"github.com/sells-group/permitsync/internal/source"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Sources    []source.Config  `yaml:"sources" mapstructure:"sources"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// IngestConfig configures ingestion invocations.
type IngestConfig struct {
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FallbackDays int    `yaml:"fallback_days" mapstructure:"fallback_days"`
	LockDir      string `yaml:"lock_dir" mapstructure:"lock_dir"`
	StagingDir   string `yaml:"staging_dir" mapstructure:"staging_dir"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	AliasesFile  string `yaml:"aliases_file" mapstructure:"aliases_file"`
	Concurrency  int    `yaml:"concurrency" mapstructure:"concurrency"`
	FailOnEmpty  bool   `yaml:"fail_on_empty" mapstructure:"fail_on_empty"`
}

// Timeout returns the per-invocation timeout.
func (c IngestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryConfig configures HTTP retries for source fetches.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Resilience converts c to the retry policy used by the fetcher.
func (c RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMS) * time.Millisecond,
		Multiplier:     c.Multiplier,
		JitterFraction: c.JitterFraction,
	}
}

// MonitoringConfig configures operator alerts.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// ExpectActivity lists sources that normally produce permits every run.
	ExpectActivity       []string `yaml:"expect_activity" mapstructure:"expect_activity"`
	FailureRateThreshold float64  `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleAfterHours      int      `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CheckIntervalSecs    int      `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int      `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PERMITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.timeout_secs", 900)
	v.SetDefault("ingest.fallback_days", 7)
	v.SetDefault("ingest.lock_dir", filepath.Join("/tmp", "permitsync", "locks"))
	v.SetDefault("ingest.staging_dir", filepath.Join("/tmp", "permitsync", "staging"))
	v.SetDefault("ingest.user_agent", "permitsync/1.0")
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// DefaultSources returns the built-in Texas sources.
func DefaultSources() []source.Config {
	return []source.Config{
		{
			Name:         "tx-austin",
			Kind:         source.KindQueryAPI,
			URL:          "https://data.austintexas.gov/resource/3syk-w9eu.json",
			DateField:    "issue_date",
			Jurisdiction: "Austin",
		},
		{
			Name:         "tx-dallas",
			Kind:         source.KindQueryAPI,
			URL:          "https://www.dallasopendata.com/resource/e7gq-4sah.json",
			DateField:    "issued_date",
			Jurisdiction: "Dallas",
		},
		{
			Name:         "tx-harris",
			Kind:         source.KindFeatureService,
			URL:          "https://www.gis.hctx.net/arcgis/rest/services/Permits/HCPermits/FeatureServer/0/query",
			DateField:    "ISSUEDDATE",
			Jurisdiction: "Harris County",
		},
		{
			Name:         "tx-houston",
			Kind:         source.KindFlatFile,
			Jurisdiction: "Houston",
		},
	}
}

// ResolvedSources merges the configured sources over DefaultSources. An
// entry whose name matches a default overrides the default's non-empty
// fields; other entries are appended. Flat file sources without a staging
// dir get <ingest.staging_dir>/<name>.
func (c *Config) ResolvedSources() []source.Config {
	out := DefaultSources()
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.Name] = i
	}
	for _, s := range c.Sources {
		if i, ok := index[s.Name]; ok {
			out[i] = mergeSource(out[i], s)
			continue
		}
		index[s.Name] = len(out)
		out = append(out, s)
	}
	for i := range out {
		if out[i].Kind == source.KindFlatFile && out[i].StagingDir == "" && c.Ingest.StagingDir != "" {
			out[i].StagingDir = filepath.Join(c.Ingest.StagingDir, out[i].Name)
		}
	}
	return out
}

// ResolvedSourceNames returns the names of ResolvedSources in order.
func (c *Config) ResolvedSourceNames() []string {
	srcs := c.ResolvedSources()
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.Name
	}
	return names
}

func mergeSource(base, o source.Config) source.Config {
	if o.Kind != "" {
		base.Kind = o.Kind
	}
	if o.URL != "" {
		base.URL = o.URL
	}
	if o.Token != "" {
		base.Token = o.Token
	}
	if o.DateField != "" {
		base.DateField = o.DateField
	}
	if o.PageSize > 0 {
		base.PageSize = o.PageSize
	}
	if o.MaxRecords > 0 {
		base.MaxRecords = o.MaxRecords
	}
	if o.StagingDir != "" {
		base.StagingDir = o.StagingDir
	}
	if o.Jurisdiction != "" {
		base.Jurisdiction = o.Jurisdiction
	}
	if o.Encoding != "" {
		base.Encoding = o.Encoding
	}
	if o.Sheet != "" {
		base.Sheet = o.Sheet
	}
	if len(o.Aliases) > 0 {
		base.Aliases = o.Aliases
	}
	return base
}

// Scope selects which parts of the config a command needs.
type Scope string

const (
	ScopeStore   Scope = "store"
	ScopeSources Scope = "sources"
	ScopeServer  Scope = "server"
)

// Validate checks the fields required by the given scopes.
func (c *Config) Validate(scopes ...Scope) error {
	var problems []string
	for _, s := range scopes {
		switch s {
		case ScopeStore:
			switch c.Store.Driver {
			case "postgres", "sqlite":
			default:
				problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
			}
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required")
			}
		case ScopeSources:
			seen := make(map[string]bool)
			for _, src := range c.ResolvedSources() {
				if src.Name == "" {
					problems = append(problems, "sources: every source needs a name")
					continue
				}
				if seen[src.Name] {
					problems = append(problems, fmt.Sprintf("sources: duplicate source %q", src.Name))
				}
				seen[src.Name] = true
				switch src.Kind {
				case source.KindQueryAPI, source.KindFeatureService:
					if src.URL == "" {
						problems = append(problems, fmt.Sprintf("sources.%s.url is required", src.Name))
					}
				case source.KindFlatFile:
					if src.StagingDir == "" {
						problems = append(problems, fmt.Sprintf("sources.%s.staging_dir is required", src.Name))
					}
				default:
					problems = append(problems, fmt.Sprintf("sources.%s.kind %q is not supported", src.Name, src.Kind))
				}
			}
			if c.Ingest.TimeoutSecs < 0 || c.Ingest.FallbackDays < 0 {
				problems = append(problems, "ingest.timeout_secs and ingest.fallback_days must not be negative")
			}
		case ScopeServer:
			if c.Server.Port <= 0 || c.Server.Port > 65535 {
				problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown scope %q", s))
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
