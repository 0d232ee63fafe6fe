package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/config"
)

const maskedToken = "********"

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, TILLSYNC_*
environment variables and flags are merged. The remote token is masked.

Example:
  TILLSYNC_SYNC_BATCH_SIZE=50 tillsync config`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return f.Fail(CodeArgs, err)
			}

			settings := settingsMap(cfg)
			data, err := yaml.Marshal(settings)
			if err != nil {
				return f.Fail(CodeArgs, err)
			}
			return f.Success(settings, strings.TrimRight(string(data), "\n"))
		},
	}
}

// settingsMap lays cfg out under its configuration keys.
func settingsMap(cfg config.Config) map[string]any {
	token := ""
	if cfg.Remote.Token != "" {
		token = maskedToken
	}
	return map[string]any{
		"db": cfg.DB,
		"remote": map[string]any{
			"url":         cfg.Remote.URL,
			"token":       token,
			"timeout":     cfg.Remote.Timeout.String(),
			"health_path": cfg.Remote.HealthPath,
		},
		"sync": map[string]any{
			"batch_size":      cfg.Sync.BatchSize,
			"max_retries":     cfg.Sync.MaxRetries,
			"yield_every":     cfg.Sync.YieldEvery,
			"follow_up_delay": cfg.Sync.FollowUpDelay.String(),
			"retry_interval":  cfg.Sync.RetryInterval.String(),
			"mutation_delay":  cfg.Sync.MutationDelay.String(),
			"backoff_max":     cfg.Sync.BackoffMax.String(),
		},
		"connectivity": map[string]any{
			"probe_interval": cfg.Connectivity.ProbeInterval.String(),
			"offline":        cfg.Connectivity.Offline,
		},
		"log": map[string]any{
			"level":        cfg.Log.Level,
			"format":       cfg.Log.Format,
			"file":         cfg.Log.File,
			"max_size_mb":  cfg.Log.MaxSizeMB,
			"max_backups":  cfg.Log.MaxBackups,
			"max_age_days": cfg.Log.MaxAgeDays,
		},
	}
}
