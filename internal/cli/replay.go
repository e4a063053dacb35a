package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rill/internal/changelog"
	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/table"
)

// changelogFlags select a changelog store for the offline commands.
type changelogFlags struct {
	Path    string
	Backend string
}

func (f *changelogFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Path, "db", "", "changelog path (default from config)")
	cmd.Flags().StringVar(&f.Backend, "backend", "", "changelog backend (sqlite|pebble, default from config)")
}

// open opens the selected store, falling back to the config file.
func (f *changelogFlags) open(opts *RootOptions) (changelog.Store, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	path, backend := cfg.Changelog.Path, cfg.Changelog.Backend
	if f.Path != "" {
		path = f.Path
	}
	if f.Backend != "" {
		backend = f.Backend
	}
	st, err := changelog.Open(backend, path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open changelog", err)
	}
	return st, nil
}

// tables returns the requested table, or every table of st.
func (f *changelogFlags) tables(ctx context.Context, st changelog.Store, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	names, err := st.Tables(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to list tables", err)
	}
	return names, nil
}

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	changelogFlags
	Table string // optional - specific table only
}

// ReplayTableResult holds the replay result for a single table.
type ReplayTableResult struct {
	Table         string `json:"table"`
	Entries       int    `json:"entries"`
	Rows          int    `json:"rows"`
	Digest        string `json:"digest"`
	Deterministic bool   `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Tables           []ReplayTableResult `json:"tables"`
	TotalTables      int                 `json:"total_tables"`
	AllDeterministic bool                `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild tables from the changelog and verify determinism",
		Long: `Fold every changelog entry of each table into a fresh table, twice,
and compare the state digests of the two folds.

Exit codes:
  0 - All tables are deterministic
  1 - Determinism verification failed (digests differ)
  2 - Command error (changelog not found, etc.)

Examples:
  rill replay --db ./rill.db
  rill replay --db ./rill.db --table device_counts
  rill replay --backend pebble --db ./changelog --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	opts.changelogFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Table, "table", "", "replay specific table only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
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

	result := ReplayResult{
		Tables:           make([]ReplayTableResult, 0, len(names)),
		TotalTables:      len(names),
		AllDeterministic: true,
	}
	for _, name := range names {
		formatter.VerboseLog("Replaying table: %s", name)
		tr, err := replayAndVerifyTable(ctx, st, name)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay table %s", name), err)
		}
		result.Tables = append(result.Tables, tr)
		if !tr.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(formatter, result)
}

// replayAndVerifyTable folds a table's changelog twice and compares the
// resulting digests.
func replayAndVerifyTable(ctx context.Context, st changelog.Store, name string) (ReplayTableResult, error) {
	first, entries, err := foldTable(ctx, st, name)
	if err != nil {
		return ReplayTableResult{}, fmt.Errorf("first replay failed: %w", err)
	}
	second, _, err := foldTable(ctx, st, name)
	if err != nil {
		return ReplayTableResult{}, fmt.Errorf("second replay failed: %w", err)
	}

	d1, err := ir.StateDigest(first.StateRows())
	if err != nil {
		return ReplayTableResult{}, err
	}
	d2, err := ir.StateDigest(second.StateRows())
	if err != nil {
		return ReplayTableResult{}, err
	}
	return ReplayTableResult{
		Table:         name,
		Entries:       entries,
		Rows:          first.Len(),
		Digest:        d1,
		Deterministic: d1 == d2,
	}, nil
}

// foldTable rebuilds one table from its changelog.
func foldTable(ctx context.Context, st changelog.Store, name string) (*table.Snapshot, int, error) {
	t := table.New(name, false)
	entries := 0
	err := st.Replay(ctx, name, func(e ir.ChangelogEntry) error {
		entries++
		return t.Apply(e)
	})
	if err != nil {
		return nil, 0, err
	}
	return t.Snapshot(), entries, nil
}

func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{Code: "E_DETERMINISM", Message: "determinism verification failed"}
	}
	if err := formatter.JSON(response); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

func outputReplayText(formatter *OutputFormatter, result ReplayResult) error {
	w := formatter.Writer
	if result.TotalTables == 0 {
		fmt.Fprintln(w, "No tables found in changelog.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d table(s)\n", result.TotalTables)
	fmt.Fprintln(w)
	for _, t := range result.Tables {
		status := "✓"
		if !t.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Table: %s\n", status, t.Table)
		fmt.Fprintf(w, "  Entries: %d, rows: %d\n", t.Entries, t.Rows)
		if formatter.Verbose {
			fmt.Fprintf(w, "  Digest: %s\n", t.Digest)
		}
		if !t.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All tables verified deterministic")
		return nil
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}
