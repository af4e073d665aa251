// Package sqlite is the default engagement store. It keeps loops, threads
// and a small key/value table in a single state.db file.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/engage/pkg/store"
)

// SchemaVersion is the latest schema version applied by migrate.
const SchemaVersion = 1

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed store.Store.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Stats holds row counts.
type Stats struct {
	Loops     int
	OpenLoops int
	Threads   int
	KVEntries int
}

// Open opens (creating if needed) state.db under dir and applies migrations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "state.db")

	// WAL for concurrent readers while the scheduler writes.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, path: dbPath}
	stats := s.Stats()
	slog.Info("store opened",
		"driver", "sqlite",
		"path", dbPath,
		"loops", stats.Loops,
		"open_loops", stats.OpenLoops,
		"threads", stats.Threads,
	)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Stats returns row counts across tables.
func (s *Store) Stats() Stats {
	var st Stats
	s.db.QueryRow("SELECT COUNT(*) FROM open_loops").Scan(&st.Loops)
	s.db.QueryRow("SELECT COUNT(*) FROM open_loops WHERE status IN ('active', 'surfaced')").Scan(&st.OpenLoops)
	s.db.QueryRow("SELECT COUNT(*) FROM threads").Scan(&st.Threads)
	s.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&st.KVEntries)
	return st
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"open_loops", `
			CREATE TABLE IF NOT EXISTS open_loops (
				id TEXT PRIMARY KEY,
				scope TEXT NOT NULL,
				topic TEXT NOT NULL,
				loop_type TEXT NOT NULL,
				salience REAL NOT NULL,
				timeframe TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				surfaced_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				topic_embedding TEXT NULL,
				updated_at TEXT NOT NULL
			)`},
		{"idx_open_loops_scope_status", `CREATE INDEX IF NOT EXISTS idx_open_loops_scope_status ON open_loops(scope, status, created_at)`},
		{"threads", `
			CREATE TABLE IF NOT EXISTS threads (
				id TEXT PRIMARY KEY,
				scope TEXT NOT NULL,
				content TEXT NOT NULL,
				thread_type TEXT NOT NULL,
				salience REAL NOT NULL,
				initial_salience REAL NOT NULL,
				decay_rate REAL NOT NULL,
				created_at TEXT NOT NULL,
				decayed_at TEXT NULL
			)`},
		{"idx_threads_scope", `CREATE INDEX IF NOT EXISTS idx_threads_scope ON threads(scope)`},
		{"kv", `
			CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("migrate: create %s: %w", st.name, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp, accepting a few layouts.
func parseTime(s string) time.Time {
	formats := []string{
		timeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
