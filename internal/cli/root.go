package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	DB         string
	Remote     string
	Offline    bool

	// AppOptions are passed to app.New by every command that opens the
	// store (tests inject a remote and deterministic ids here).
	AppOptions []app.Option

	v *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	opts.v = config.New()

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "tillsync - local-first POS data with background sync",
		Long: `tillsync keeps point-of-sale records in a local SQLite store and syncs
them to a remote system of record. Writes never wait for the network:
they are queued and delivered by the background processor when online.

Settings come from tillsync.yaml (or --config), TILLSYNC_* environment
variables and flags, in increasing priority.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./tillsync.yaml if present)")
	pf.StringVar(&opts.DB, "db", "", "path to SQLite database")
	pf.StringVar(&opts.Remote, "remote", "", `remote base URL, or "memory" for the in-process remote`)
	pf.BoolVar(&opts.Offline, "offline", false, "never contact the remote")

	_ = opts.v.BindPFlag("db", pf.Lookup("db"))
	_ = opts.v.BindPFlag("remote.url", pf.Lookup("remote"))
	_ = opts.v.BindPFlag("connectivity.offline", pf.Lookup("offline"))

	// Add subcommands
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig merges defaults, the config file, the environment and flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.v, o.ConfigFile)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// openApp loads the configuration and builds the application. The
// returned close function releases the store and the log file.
func (o *RootOptions) openApp(cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr(), o.Verbose)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	a, err := app.New(cfg, logger, o.AppOptions...)
	if err != nil {
		logCloser.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	closeAll := func() {
		if err := a.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
		logCloser.Close()
	}
	return a, closeAll, nil
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
