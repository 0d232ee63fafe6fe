package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync processor",
		Long: `Run the Queue Processor until interrupted.

The processor drains the queue shortly after every local write, retries
periodically while entries remain, and on every reconnect flushes the
queue before pulling the remote snapshot. Stop it with Ctrl-C or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			a, closeApp, err := rootOpts.openApp(cmd)
			if err != nil {
				return f.Fail(CodeArgs, err)
			}
			defer closeApp()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.Run(ctx); err != nil && err != context.Canceled {
				return f.Fail(CodeSync, err)
			}
			f.VerboseLog("stopped")
			return nil
		},
	}
}
