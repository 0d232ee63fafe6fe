package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Once bool
}

// DrainSummary is the JSON payload of the drain command.
type DrainSummary struct {
	Cycles   []engine.DrainResult `json:"cycles"`
	Failures []string             `json:"failures,omitempty"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued changes to the remote",
		Long: `Check connectivity, then run drain cycles until the queue is empty or a
cycle makes no progress. With --once a single cycle runs.

Exit codes:
  0 - Every attempted entry was delivered
  1 - Offline, or at least one delivery failed
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single drain cycle")

	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	a, closeApp, err := opts.openApp(cmd)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	defer closeApp()

	ctx := cmd.Context()
	online := a.CheckConnectivity(ctx)
	f.VerboseLog("remote online: %t", online)

	var cycles []engine.DrainResult
	if opts.Once {
		res, err := a.Engine.Drain(ctx)
		if err != nil {
			return f.Fail(CodeSync, err)
		}
		cycles = []engine.DrainResult{res}
	} else {
		cycles, err = a.Engine.Flush(ctx)
		if err != nil {
			return f.Fail(CodeSync, err)
		}
	}

	summary := DrainSummary{Cycles: cycles}
	lines := make([]string, 0, len(cycles))
	offline := false
	for i, res := range cycles {
		lines = append(lines, drainLine(i+1, res))
		for j := range res.Failures {
			msg := res.Failures[j].Error()
			summary.Failures = append(summary.Failures, msg)
			f.VerboseLog("  %s", msg)
		}
		offline = offline || res.Offline
	}

	if offline {
		return f.Fail(CodeSync, NewExitError(ExitFailure, "remote is offline; nothing was sent"))
	}
	if len(summary.Failures) > 0 {
		if err := f.Success(summary, strings.Join(lines, "\n")); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d deliveries failed", len(summary.Failures)))
	}
	return f.Success(summary, strings.Join(lines, "\n"))
}

func drainLine(n int, res engine.DrainResult) string {
	switch {
	case res.Skipped:
		return fmt.Sprintf("cycle %d: skipped (another drain is running)", n)
	case res.Offline:
		return fmt.Sprintf("cycle %d: offline", n)
	}
	return fmt.Sprintf("cycle %d: attempted=%d delivered=%d failed=%d dropped=%d compacted=%d remaining=%d",
		n, res.Attempted, res.Delivered, res.Failed, res.Dropped, res.Compacted, res.Remaining)
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Merge the remote snapshot into the local store",
		Long: `Download every collection from the remote and merge it.

Rows are matched on each collection's natural key fields. Matching local
rows are overwritten and marked synced; new rows are inserted as synced.
Local rows missing from the snapshot are kept.`,
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

			ctx := cmd.Context()
			online := a.CheckConnectivity(ctx)
			f.VerboseLog("remote online: %t", online)

			report, err := a.Pull(ctx)
			if err != nil {
				return f.Fail(CodeSync, err)
			}
			if report.Offline {
				return f.Fail(CodeSync, NewExitError(ExitFailure, "remote is offline; nothing was pulled"))
			}

			t := report.Totals()
			text := fmt.Sprintf("inserted=%d updated=%d skipped=%d", t.Inserted, t.Updated, t.Skipped)
			if len(report.Unknown) > 0 {
				text += "\nignored unknown collections: " + strings.Join(report.Unknown, ", ")
			}
			return f.Success(report, text)
		},
	}
}
