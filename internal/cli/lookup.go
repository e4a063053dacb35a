package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/rill/internal/engine"
	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/query"
)

// LookupOptions holds flags for the lookup command.
type LookupOptions struct {
	*RootOptions
	changelogFlags
	Queries string
}

// NewLookupCommand creates the lookup command.
func NewLookupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LookupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lookup <table> <key>",
		Short: "Answer a pull query offline from the changelog",
		Long: `Rebuild the tables from the changelog without consuming the log and
look up one key. The key is parsed as JSON when it is valid JSON, so
'"A"', '42' and '["A",0]' select string, int and window keys; anything
else is a plain string. On a windowed table a group key returns every
window of the group.

Exit codes:
  0 - Row found
  1 - Key not found
  2 - Command error (unknown table, changelog not found, etc.)

Examples:
  rill lookup device_counts A --db ./rill.db --queries ./queries
  rill lookup device_windows '["A",10000]' --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(opts, args[0], args[1], cmd)
		},
	}

	opts.changelogFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Queries, "queries", "", "queries directory (default from config)")

	return cmd
}

func runLookup(opts *LookupOptions, tableName, rawKey string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	dir := opts.Queries
	if dir == "" {
		dir = cfg.Queries
	}
	queries, err := loadQueries(dir)
	if err != nil {
		return err
	}

	st, err := opts.open(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = opts.newLogger(formatter.Diagnostics())
	}
	log := eventlog.NewMemory(eventlog.MemoryOptions{Logger: logger})
	defer log.Close()

	eng, err := engine.New(log, st, queries, engine.Options{Logger: logger})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	if err := eng.Recover(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to recover tables", err)
	}

	srv := query.NewServer(eng, query.Options{Timeout: cfg.Server.LookupTimeout, Logger: logger})
	res, err := srv.Lookup(ctx, nil, tableName, ir.ParseKey(rawKey))
	switch {
	case errors.Is(err, query.ErrNotFound):
		return formatter.Fail(ExitFailure, "E_NOT_FOUND", fmt.Sprintf("key %s not found in %s", rawKey, tableName), nil)
	case errors.Is(err, query.ErrTableNotFound):
		return formatter.Fail(ExitCommandError, "E_TABLE_NOT_FOUND", err.Error(), nil)
	case err != nil:
		return formatter.Fail(ExitCommandError, "E_LOOKUP", "lookup failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(res)
	}
	return formatter.Rows(fmt.Sprintf("%s @ version %d", tableName, res.Version), res.Rows)
}
