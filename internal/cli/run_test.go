package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rill/internal/config"
)

func TestRun_ServesUntilCancelled(t *testing.T) {
	queries := writeQueries(t, map[string]string{"users.cue": usersQuery})
	db := filepath.Join(t.TempDir(), "rill.db")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", queries, "--db", db, "--http", "127.0.0.1:0", "--resp", "127.0.0.1:0"})

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, out.String(), "HTTP listening on 127.0.0.1:")
	assert.Contains(t, out.String(), "RESP listening on 127.0.0.1:")
}

func TestRun_RESPDisabled(t *testing.T) {
	queries := writeQueries(t, map[string]string{"users.cue": usersQuery})
	db := filepath.Join(t.TempDir(), "changelog")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", queries, "--db", db, "--backend", "pebble", "--http", "127.0.0.1:0", "--resp", ""})

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.NotContains(t, out.String(), "RESP listening")
}

func TestRun_Errors(t *testing.T) {
	queries := writeQueries(t, map[string]string{"users.cue": usersQuery})
	db := filepath.Join(t.TempDir(), "rill.db")

	_, err := execute(t, "run", queries, "--db", db, "--backend", "mysql")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = execute(t, "run", "/nonexistent/queries", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "queries directory not found")

	empty := writeQueries(t, map[string]string{"other.cue": `settings: x: 1`})
	_, err = execute(t, "run", empty, "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no query definitions found")
}

func TestRunOptions_Apply(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{"--db", "x.db", "--brokers", "k1:9092,k2:9092", "--resp", ""}))

	cfg := config.Default()
	opts := &RunOptions{Changelog: "x.db", Brokers: []string{"k1:9092", "k2:9092"}}
	opts.apply(cmd, &cfg)

	assert.Equal(t, "x.db", cfg.Changelog.Path)
	assert.Equal(t, config.LogKafka, cfg.Log.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Log.Brokers)
	assert.Equal(t, "", cfg.Server.RESPAddr)
	assert.Equal(t, config.Default().Server.HTTPAddr, cfg.Server.HTTPAddr)
}
