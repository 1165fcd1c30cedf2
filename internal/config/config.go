// Package config loads daemon settings from a YAML file, the environment and
// defaults, in increasing order of precedence: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"benchmate/internal/store"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BENCHMATE_HTTP_PORT.
const EnvPrefix = "BENCHMATE"

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "benchmate.yaml"

// Config holds all configuration values for the daemon.
type Config struct {
	// Database connection string. Empty selects the in-memory store.
	DatabaseURL string `mapstructure:"database_url"`

	// HTTP server port for the API
	HTTPPort int `mapstructure:"http_port"`

	// Worker pool
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	SchedulerTick     time.Duration `mapstructure:"scheduler_tick"`
	MaxIdleBackoff    time.Duration `mapstructure:"max_idle_backoff"`
	LockSweepInterval time.Duration `mapstructure:"lock_sweep_interval"`

	// Reconciliation
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	BenchesRoot   string        `mapstructure:"benches_root"`
	WatchRoot     bool          `mapstructure:"watch_root"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`

	// Runtime driver: "exec" or "docker"
	Driver         string `mapstructure:"driver"`
	BenchBin       string `mapstructure:"bench_bin"`
	SudoPassword   string `mapstructure:"sudo_password"`
	DBRootPassword string `mapstructure:"db_root_password"`
	AdminPassword  string `mapstructure:"admin_password"`
	DockerBenchDir string `mapstructure:"docker_bench_dir"`

	// Telemetry
	LogLevel       string `mapstructure:"log_level"`
	OTELEndpoint   string `mapstructure:"otel_endpoint"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`

	// Per-client throttle on mutating API calls; 0 disables it.
	SubmitRateLimit float64 `mapstructure:"submit_rate_limit"`
	SubmitRateBurst int     `mapstructure:"submit_rate_burst"`

	// Per-kind overrides keyed by job kind, case-insensitive.
	Timeouts map[string]time.Duration `mapstructure:"timeouts"`
	Retries  map[string]int           `mapstructure:"retries"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("http_port", 6161)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("scheduler_tick", time.Second)
	v.SetDefault("max_idle_backoff", 10*time.Second)
	v.SetDefault("lock_sweep_interval", time.Minute)
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("benches_root", "~/benches")
	v.SetDefault("watch_root", true)
	v.SetDefault("watch_debounce", 2*time.Second)
	v.SetDefault("driver", "exec")
	v.SetDefault("bench_bin", "bench")
	v.SetDefault("sudo_password", "")
	v.SetDefault("db_root_password", "")
	v.SetDefault("admin_password", "admin")
	v.SetDefault("docker_bench_dir", "/home/frappe/frappe-bench")
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("submit_rate_limit", 0.0)
	v.SetDefault("submit_rate_burst", 0)
}

// Load reads configuration. A non-empty path must exist; with an empty path
// benchmate.yaml in the working directory is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The unprefixed names are what hosting platforms usually inject.
	v.BindEnv("database_url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("http_port", EnvPrefix+"_HTTP_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.BenchesRoot = expandHome(cfg.BenchesRoot)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.Driver != "exec" && c.Driver != "docker" {
		return fmt.Errorf("invalid driver %q (valid: exec, docker)", c.Driver)
	}
	if c.SchedulerTick <= 0 || c.SyncInterval <= 0 {
		return fmt.Errorf("scheduler_tick and sync_interval must be positive")
	}
	for key, d := range c.Timeouts {
		if _, ok := kindFor(key); !ok {
			return fmt.Errorf("timeouts: unknown job kind %q", key)
		}
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", key)
		}
	}
	for key, n := range c.Retries {
		if _, ok := kindFor(key); !ok {
			return fmt.Errorf("retries: unknown job kind %q", key)
		}
		if n < 0 {
			return fmt.Errorf("retries.%s must not be negative", key)
		}
	}
	return nil
}

// JobTimeouts returns the configured per-kind timeouts.
func (c *Config) JobTimeouts() map[store.JobKind]time.Duration {
	out := make(map[store.JobKind]time.Duration, len(c.Timeouts))
	for key, d := range c.Timeouts {
		if kind, ok := kindFor(key); ok {
			out[kind] = d
		}
	}
	return out
}

// MaxRetries returns the configured per-kind retry budgets.
func (c *Config) MaxRetries() map[store.JobKind]int {
	out := make(map[store.JobKind]int, len(c.Retries))
	for key, n := range c.Retries {
		if kind, ok := kindFor(key); ok {
			out[kind] = n
		}
	}
	return out
}

// Addr is the listen address of the HTTP API.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// kindFor matches viper's lower-cased keys back to job kinds. Underscores
// are ignored so backup_site and BackupSite both match.
func kindFor(key string) (store.JobKind, bool) {
	norm := strings.ReplaceAll(strings.ToLower(key), "_", "")
	for _, k := range store.Kinds {
		if strings.ToLower(string(k)) == norm {
			return k, true
		}
	}
	return "", false
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
