package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rill/internal/changelog"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	changelogFlags
	Table string
}

// CompactResult holds per-table compaction statistics.
type CompactResult struct {
	Tables  []changelog.CompactStats `json:"tables"`
	Removed int                      `json:"removed"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Collapse each table's changelog to the latest entry per key",
		Long: `Rewrite the changelog so each key keeps only its latest entry. Keys
whose latest entry is a tombstone are removed. Recovery after compaction
rebuilds the same tables from fewer entries.

Run it while the engine is stopped.

Examples:
  rill compact --db ./rill.db
  rill compact --db ./rill.db --table users`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, cmd)
		},
	}

	opts.changelogFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Table, "table", "", "compact specific table only")

	return cmd
}

func runCompact(opts *CompactOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	st, err := opts.open(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	names, err := opts.tables(ctx, st, opts.Table)
	if err != nil {
		return err
	}

	result := CompactResult{Tables: make([]changelog.CompactStats, 0, len(names))}
	for _, name := range names {
		stats, err := st.Compact(ctx, name)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to compact table %s", name), err)
		}
		formatter.VerboseLog("Compacted %s: %d -> %d entries", name, stats.Before, stats.After)
		result.Tables = append(result.Tables, stats)
		result.Removed += stats.Removed
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	w := formatter.Writer
	for _, s := range result.Tables {
		fmt.Fprintf(w, "%s: %d -> %d entries (%d removed)\n", s.Table, s.Before, s.After, s.Removed)
	}
	fmt.Fprintf(w, "✓ Compacted %d table(s), %d entries removed\n", len(result.Tables), result.Removed)
	return nil
}
