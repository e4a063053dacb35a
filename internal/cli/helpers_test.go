package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rill/internal/changelog"
	"github.com/roach88/rill/internal/ir"
)

const usersQuery = `
query: users: {
	source: "user_updates"
	sink: table: "users"
}
`

// writeQueries writes files (name → CUE source) into a fresh directory.
func writeQueries(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "queries")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
	}
	return dir
}

// seedChangelog writes the users table: u1 is updated once, u2 is deleted.
func seedChangelog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rill.db")
	st, err := changelog.Open(changelog.BackendSQLite, path)
	require.NoError(t, err)
	defer st.Close()

	name := func(n string) ir.Object { return ir.Row(ir.O("name", ir.String(n))) }
	entries := []ir.ChangelogEntry{
		{Table: "users", Key: ir.String("u1"), Value: name("Ada")},
		{Table: "users", Key: ir.String("u2"), Value: name("Lin")},
		{Table: "users", Key: ir.String("u1"), Value: name("Grace")},
		{Table: "users", Key: ir.String("u2"), Tombstone: true},
	}
	for i, e := range entries {
		e.Source = ir.SourceRef{Topic: "user_updates", Offset: int64(i)}
		_, err := st.Append(context.Background(), []ir.ChangelogEntry{e}, ir.Progress{
			QueryID:  "users",
			Position: ir.Position{0: int64(i + 1)},
		})
		require.NoError(t, err)
	}
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
