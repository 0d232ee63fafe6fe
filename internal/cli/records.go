package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
)

// RecordOptions holds flags shared by the record commands.
type RecordOptions struct {
	*RootOptions
	Fields string // JSON object for create and update
	Filter string // JSON object for list
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a record and queue it for sync",
		Long: `Create a record in the local store.

The record is validated, checked against the collection's uniqueness
rules, stored unsynced and queued for delivery in one transaction.

Example:
  tillsync create customers --fields '{"customerId":"C-1","name":"Ann"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Fields, "fields", "", "record fields as a JSON object (required)")
	_ = cmd.MarkFlagRequired("fields")

	return cmd
}

func runCreate(opts *RecordOptions, collection string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	c, err := parseCollection(collection)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	fields, err := parseObject("--fields", opts.Fields)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}

	a, closeApp, err := opts.openApp(cmd)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	defer closeApp()

	rec, err := a.Records.Create(cmd.Context(), c, fields)
	if err != nil {
		return f.Fail(CodeSync, err)
	}
	f.VerboseLog("created %s %d (%s)", c, rec.ID, rec.NaturalKey())
	return f.Success(rec, recordText(rec))
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print one record",
		Example: `  tillsync get sales 12
  tillsync get customers 3 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], args[1], cmd)
		},
	}
}

func runGet(opts *RecordOptions, collection, idArg string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	c, id, err := parseTarget(collection, idArg)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}

	a, closeApp, err := opts.openApp(cmd)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	defer closeApp()

	rec, err := a.Records.Read(cmd.Context(), c, id)
	if err != nil {
		return f.Fail(CodeSync, err)
	}
	return f.Success(rec, recordText(rec))
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List records, optionally filtered",
		Long: `List the records of a collection ordered by id.

--filter takes a JSON object of field equalities. Only indexed fields
(plus id and synced) can be filtered on; a filter naming any other field
is ignored and every record is listed.

Example:
  tillsync list sales --filter '{"status":"held"}'
  tillsync list customers --filter '{"synced":false}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "field equalities as a JSON object")

	return cmd
}

func runList(opts *RecordOptions, collection string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	c, err := parseCollection(collection)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	var filter store.Filter
	if opts.Filter != "" {
		fields, err := parseObject("--filter", opts.Filter)
		if err != nil {
			return f.Fail(CodeArgs, err)
		}
		filter = store.Filter(fields)
	}

	a, closeApp, err := opts.openApp(cmd)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	defer closeApp()

	rows, err := a.Records.ReadAll(cmd.Context(), c, filter)
	if err != nil {
		return f.Fail(CodeSync, err)
	}

	if len(rows) == 0 {
		return f.Success([]record.Record{}, "No records.")
	}
	lines := make([]string, len(rows))
	for i, rec := range rows {
		lines[i] = recordText(rec)
	}
	return f.Success(rows, strings.Join(lines, "\n"))
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Merge fields into a record and queue the change",
		Long: `Merge fields into an existing record.

Fields not named in --fields are kept; a null value stores an explicit
null. The record becomes unsynced and the change is queued.

Example:
  tillsync update sales 12 --fields '{"status":"voided"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Fields, "fields", "", "fields to merge as a JSON object (required)")
	_ = cmd.MarkFlagRequired("fields")

	return cmd
}

func runUpdate(opts *RecordOptions, collection, idArg string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	c, id, err := parseTarget(collection, idArg)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	fields, err := parseObject("--fields", opts.Fields)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}

	a, closeApp, err := opts.openApp(cmd)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	defer closeApp()

	rec, err := a.Records.Update(cmd.Context(), c, id, fields)
	if err != nil {
		return f.Fail(CodeSync, err)
	}
	return f.Success(rec, recordText(rec))
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record",
		Long: `Delete a record from the local store.

When the remote is reachable the remote copy is deleted immediately;
otherwise, or if that fails, a delete is queued for the processor.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], args[1], cmd)
		},
	}
}

func runDelete(opts *RecordOptions, collection, idArg string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	c, id, err := parseTarget(collection, idArg)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}

	a, closeApp, err := opts.openApp(cmd)
	if err != nil {
		return f.Fail(CodeArgs, err)
	}
	defer closeApp()

	online := a.CheckConnectivity(cmd.Context())
	f.VerboseLog("remote online: %t", online)

	if err := a.Records.Delete(cmd.Context(), c, id); err != nil {
		return f.Fail(CodeSync, err)
	}
	return f.Success(
		map[string]any{"collection": c, "id": id},
		fmt.Sprintf("deleted %s %d", c, id),
	)
}

func parseCollection(name string) (schema.Collection, error) {
	c, err := schema.ParseCollection(name)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid collection", err)
	}
	return c, nil
}

func parseTarget(collection, idArg string) (schema.Collection, int64, error) {
	c, err := parseCollection(collection)
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid id %q: must be a positive integer", idArg))
	}
	return c, id, nil
}

// parseObject decodes a JSON object flag. Integers stay exact.
func parseObject(flag, value string) (record.Fields, error) {
	if strings.TrimSpace(value) == "" {
		return nil, NewExitError(ExitCommandError, flag+" must be a JSON object")
	}
	fields, err := record.UnmarshalFields([]byte(value))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid "+flag+" JSON", err)
	}
	return fields, nil
}

// recordText renders a record as one line of canonical JSON.
func recordText(rec record.Record) string {
	data, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%s %d: %v", rec.Collection, rec.ID, err)
	}
	return string(data)
}
