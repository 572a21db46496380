package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS builds (
  id TEXT PRIMARY KEY,
  brief TEXT NOT NULL,
  site_type TEXT NOT NULL,
  summary TEXT NOT NULL,
  file_count INTEGER NOT NULL DEFAULT 0,
  skipped_phases TEXT,
  completed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_builds_completed_at ON builds(completed_at);

CREATE TABLE IF NOT EXISTS build_files (
  build_id TEXT NOT NULL,
  path TEXT NOT NULL,
  content TEXT NOT NULL,
  position INTEGER NOT NULL,
  PRIMARY KEY (build_id, path),
  FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// runMigrations applies schema changes added after the initial schema. Each
// step is idempotent so it is safe to call on every open.
func runMigrations(db *sql.DB) error {
	// v2: token accounting per build.
	hasTokens, err := columnExists(db, "builds", "total_tokens")
	if err != nil {
		return fmt.Errorf("check total_tokens column: %w", err)
	}
	if !hasTokens {
		migrations := []string{
			`ALTER TABLE builds ADD COLUMN prompt_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE builds ADD COLUMN completion_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE builds ADD COLUMN total_tokens INTEGER NOT NULL DEFAULT 0`,
		}
		for _, m := range migrations {
			if _, err := db.Exec(m); err != nil {
				return fmt.Errorf("run migration v2: %w", err)
			}
		}
	}
	return nil
}

// BuildCount returns the number of archived builds.
func (db *DB) BuildCount() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM builds").Scan(&count)
	return count, err
}

// columnExists checks if a column exists in a table. It closes the rows
// cursor before returning, avoiding deadlocks with MaxOpenConns(1).
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(
		fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}
