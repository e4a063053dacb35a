package changelog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/rill/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Seeded meta.last_seq high-water mark
const currentSchemaVersion = 1

// SQLite is the default changelog backend.
// Uses SQLite with WAL mode for concurrent read access.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite creates or opens a SQLite changelog at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode (a committed batch survives power loss)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 seeds the seq high-water mark from any existing entries.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO meta (name, value)
		SELECT 'last_seq', COALESCE(MAX(seq), 0) FROM changelog
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLite) Append(ctx context.Context, entries []ir.ChangelogEntry, progress ir.Progress) ([]ir.ChangelogEntry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'last_seq'`).Scan(&last); err != nil {
		return nil, fmt.Errorf("append: read last seq: %w", err)
	}

	out := make([]ir.ChangelogEntry, len(entries))
	for i, e := range entries {
		last++
		e.Seq = last
		if err := insertEntry(ctx, tx, e); err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		out[i] = e
	}

	if len(entries) > 0 {
		progress.Seq = last
		if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = ? WHERE name = 'last_seq'`, last); err != nil {
			return nil, fmt.Errorf("append: update last seq: %w", err)
		}
	}

	if progress.QueryID != "" {
		pos, err := marshalPosition(progress.Position)
		if err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO progress (query_id, position, stream_time, seq)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(query_id) DO UPDATE SET
				position = excluded.position,
				stream_time = excluded.stream_time,
				seq = excluded.seq
		`, progress.QueryID, pos, progress.StreamTime, progress.Seq)
		if err != nil {
			return nil, fmt.Errorf("append: write progress: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append: commit: %w", err)
	}
	return out, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e ir.ChangelogEntry) error {
	key, err := ir.EncodeKey(e.Key)
	if err != nil {
		return err
	}
	value, err := marshalRow(e.Value)
	if err != nil {
		return err
	}
	state, err := marshalRow(e.State)
	if err != nil {
		return err
	}
	var winStart, winEnd any
	if e.Window != nil {
		winStart = e.Window.Start.UnixMilli()
		winEnd = e.Window.End.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changelog
		(seq, table_name, entry_key, value, state, tombstone, window_start, window_end,
		 source_topic, source_partition, source_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Seq,
		e.Table,
		key,
		value,
		state,
		e.Tombstone,
		winStart,
		winEnd,
		e.Source.Topic,
		e.Source.Partition,
		e.Source.Offset,
	)
	if err != nil {
		return fmt.Errorf("insert entry seq=%d: %w", e.Seq, err)
	}
	return nil
}

// Replay implements Store.
func (s *SQLite) Replay(ctx context.Context, table string, fn func(ir.ChangelogEntry) error) error {
	if s.db == nil {
		return ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, table_name, entry_key, value, state, tombstone, window_start, window_end,
		       source_topic, source_partition, source_offset
		FROM changelog
		WHERE table_name = ?
		ORDER BY seq ASC
	`, table)
	if err != nil {
		return fmt.Errorf("replay %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("replay %s: %w", table, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("replay %s: iterate: %w", table, err)
	}
	return nil
}

func scanEntry(rows *sql.Rows) (ir.ChangelogEntry, error) {
	var (
		e                ir.ChangelogEntry
		key              string
		value, state     sql.NullString
		winStart, winEnd sql.NullInt64
	)
	err := rows.Scan(
		&e.Seq,
		&e.Table,
		&key,
		&value,
		&state,
		&e.Tombstone,
		&winStart,
		&winEnd,
		&e.Source.Topic,
		&e.Source.Partition,
		&e.Source.Offset,
	)
	if err != nil {
		return e, fmt.Errorf("scan entry: %w", err)
	}

	e.Key, err = ir.DecodeValue([]byte(key))
	if err != nil {
		return e, fmt.Errorf("entry %d key: %w", e.Seq, err)
	}
	if value.Valid {
		if e.Value, err = unmarshalRow([]byte(value.String)); err != nil {
			return e, fmt.Errorf("entry %d: %w", e.Seq, err)
		}
	}
	if state.Valid {
		if e.State, err = unmarshalRow([]byte(state.String)); err != nil {
			return e, fmt.Errorf("entry %d: %w", e.Seq, err)
		}
	}
	if winStart.Valid && winEnd.Valid {
		e.Window = &ir.Window{
			Start: time.UnixMilli(winStart.Int64).UTC(),
			End:   time.UnixMilli(winEnd.Int64).UTC(),
		}
	}
	return e, nil
}

// Compact implements Store.
func (s *SQLite) Compact(ctx context.Context, table string) (CompactStats, error) {
	stats := CompactStats{Table: table}
	if s.db == nil {
		return stats, ErrClosed
	}

	entries, err := ReplayAll(ctx, s, table)
	if err != nil {
		return stats, fmt.Errorf("compact: %w", err)
	}
	keep, err := latestPerKey(entries)
	if err != nil {
		return stats, fmt.Errorf("compact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("compact: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if keep[e.Seq] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM changelog WHERE seq = ?`, e.Seq); err != nil {
			return stats, fmt.Errorf("compact: delete seq=%d: %w", e.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("compact: commit: %w", err)
	}

	stats.Before = len(entries)
	stats.After = len(keep)
	stats.Removed = stats.Before - stats.After
	return stats, nil
}

// Tables implements Store.
func (s *SQLite) Tables(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT table_name FROM changelog ORDER BY table_name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("tables: scan: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DurableSeq implements Store.
func (s *SQLite) DurableSeq(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'last_seq'`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("durable seq: %w", err)
	}
	return seq, nil
}

// LoadProgress implements Store.
func (s *SQLite) LoadProgress(ctx context.Context, queryID string) (ir.Progress, bool, error) {
	p := ir.Progress{QueryID: queryID, Position: ir.Position{}}
	if s.db == nil {
		return p, false, ErrClosed
	}

	var pos string
	err := s.db.QueryRowContext(ctx, `
		SELECT position, stream_time, seq FROM progress WHERE query_id = ?
	`, queryID).Scan(&pos, &p.StreamTime, &p.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("load progress %s: %w", queryID, err)
	}
	if p.Position, err = unmarshalPosition([]byte(pos)); err != nil {
		return p, false, fmt.Errorf("load progress %s: %w", queryID, err)
	}
	return p, true, nil
}

// SaveCheckpoint implements Store.
func (s *SQLite) SaveCheckpoint(ctx context.Context, cp ir.Checkpoint) error {
	if s.db == nil {
		return ErrClosed
	}
	pos, err := marshalPosition(cp.Position)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (query_id, position, changelog_seq, stream_time, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(query_id) DO UPDATE SET
			position = excluded.position,
			changelog_seq = excluded.changelog_seq,
			stream_time = excluded.stream_time,
			created_at = excluded.created_at
	`, cp.QueryID, pos, cp.ChangelogSeq, cp.StreamTime, cp.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.QueryID, err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *SQLite) LoadCheckpoint(ctx context.Context, queryID string) (ir.Checkpoint, bool, error) {
	cp := ir.Checkpoint{QueryID: queryID, Position: ir.Position{}}
	if s.db == nil {
		return cp, false, ErrClosed
	}

	var (
		pos     string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position, changelog_seq, stream_time, created_at FROM checkpoints WHERE query_id = ?
	`, queryID).Scan(&pos, &cp.ChangelogSeq, &cp.StreamTime, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("load checkpoint %s: %w", queryID, err)
	}
	if cp.Position, err = unmarshalPosition([]byte(pos)); err != nil {
		return cp, false, fmt.Errorf("load checkpoint %s: %w", queryID, err)
	}
	cp.CreatedAt = time.UnixMilli(created).UTC()
	return cp, true, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
