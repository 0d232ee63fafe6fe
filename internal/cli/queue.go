package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/record"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Stats bool
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show pending sync entries",
		Long: `List the entries waiting for delivery, oldest first.

With --stats, print totals per operation, the number of unsynced records
and the entries that are being retried.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "print aggregate statistics instead of entries")

	return cmd
}

func runQueue(opts *QueueOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	a, closeApp, err := opts.openApp(cmd)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	defer closeApp()

	ctx := cmd.Context()
	if opts.Stats {
		st, err := a.Queue.Stats(ctx)
		if err != nil {
			return f.Fail(CodeSync, err)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "entries:   %d\n", st.Total)
		ops := make([]string, 0, len(st.ByOperation))
		for op := range st.ByOperation {
			ops = append(ops, string(op))
		}
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Fprintf(&b, "  %-7s %d\n", op, st.ByOperation[record.Operation(op)])
		}
		fmt.Fprintf(&b, "retrying:  %d (max %d attempts so far)\n", st.Retrying, st.MaxRetries)
		fmt.Fprintf(&b, "unsynced:  %d records", st.Unsynced)
		if st.Oldest != nil {
			fmt.Fprintf(&b, "\noldest:    %s", record.FormatTime(*st.Oldest))
		}
		for _, fl := range st.Failing {
			fmt.Fprintf(&b, "\n  %s %s %s retry=%d: %s", fl.Operation, fl.Collection, fl.NaturalKey, fl.RetryCount, fl.LastError)
		}
		return f.Success(st, b.String())
	}

	entries, err := a.Queue.List(ctx)
	if err != nil {
		return f.Fail(CodeSync, err)
	}
	if len(entries) == 0 {
		return f.Success([]record.Entry{}, "Queue is empty.")
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		line := fmt.Sprintf("%s  %-6s %s %s  retries=%d", e.UID, e.Operation, e.Collection, e.NaturalKey, e.RetryCount)
		if e.LastError != "" {
			line += "  last_error=" + e.LastError
		}
		lines[i] = line
	}
	return f.Success(entries, strings.Join(lines, "\n"))
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Collapse duplicate queue entries",
		Long: `Remove duplicate entries for the same natural key, keeping a create
over anything else and otherwise the most recently enqueued entry.

Every drain cycle compacts first; this command is for inspection and
repair.`,
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

			removed, err := a.Queue.Compact(cmd.Context())
			if err != nil {
				return f.Fail(CodeSync, err)
			}
			return f.Success(map[string]int{"removed": removed}, fmt.Sprintf("removed %d duplicate entries", removed))
		},
	}
}
