// Package config loads tillsync settings. Precedence, lowest first:
// defaults, the YAML config file, TILLSYNC_* environment variables, and
// command-line flags bound to the same viper instance.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TILLSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "TILLSYNC"

// RemoteMemory selects the in-process remote instead of HTTP.
const RemoteMemory = "memory"

// Config is the full configuration.
type Config struct {
	DB           string             `mapstructure:"db"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Log          LogConfig          `mapstructure:"log"`
}

// RemoteConfig selects and configures the remote adapter.
type RemoteConfig struct {
	// URL is the HTTP base URL, or "memory" (or empty) for the in-process remote.
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	HealthPath string        `mapstructure:"health_path"`
}

// IsMemory reports whether the in-process remote is selected.
func (r RemoteConfig) IsMemory() bool {
	return r.URL == "" || r.URL == RemoteMemory
}

// HealthURL is the URL the connectivity probe polls.
func (r RemoteConfig) HealthURL() string {
	return strings.TrimRight(r.URL, "/") + "/" + strings.TrimLeft(r.HealthPath, "/")
}

// SyncConfig tunes the Queue Processor.
type SyncConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	YieldEvery    int           `mapstructure:"yield_every"`
	FollowUpDelay time.Duration `mapstructure:"follow_up_delay"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MutationDelay time.Duration `mapstructure:"mutation_delay"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

// ConnectivityConfig controls how online state is determined.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// Offline forces offline mode: nothing is sent or pulled.
	Offline bool `mapstructure:"offline"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", "tillsync.db")

	v.SetDefault("remote.url", RemoteMemory)
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.health_path", "/health")

	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.yield_every", 25)
	v.SetDefault("sync.follow_up_delay", 250*time.Millisecond)
	v.SetDefault("sync.retry_interval", 30*time.Second)
	v.SetDefault("sync.mutation_delay", 100*time.Millisecond)
	v.SetDefault("sync.backoff_max", 5*time.Minute)

	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.offline", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the config file at path into v and decodes the result. An
// empty path looks for tillsync.yaml in the working directory and accepts
// its absence.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tillsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate rejects settings the processor cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.DB == "" {
		problems = append(problems, "db must be set")
	}
	if c.Sync.BatchSize <= 0 {
		problems = append(problems, "sync.batch_size must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		problems = append(problems, "sync.max_retries must be positive")
	}
	if c.Sync.YieldEvery < 0 {
		problems = append(problems, "sync.yield_every must not be negative")
	}
	if c.Sync.RetryInterval <= 0 {
		problems = append(problems, "sync.retry_interval must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		problems = append(problems, "connectivity.probe_interval must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if !c.Remote.IsMemory() && !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
		problems = append(problems, fmt.Sprintf("remote.url %q must be http(s) or %q", c.Remote.URL, RemoteMemory))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
