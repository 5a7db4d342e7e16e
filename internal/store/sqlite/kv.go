// Package sqlite provides a SQLite-backed key-value settings table used to
// persist brokerage credentials alongside other application settings.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/theoros.db"
	Table  string // defaults to "settings"
}

// KV stores string keys and values in a single table. Save upserts only the
// keys it is given.
type KV struct {
	db    *sql.DB
	table string
}

// DB returns the underlying sql.DB for health checks.
func (s *KV) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the table if needed.
func New(cfg Config) (*KV, error) {
	table := cfg.Table
	if table == "" {
		table = "settings"
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; credential writes are rare.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db, table); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite settings store opened", "path", cfg.DBPath, "table", table)
	return &KV{db: db, table: table}, nil
}

func createSchema(db *sql.DB, table string) error {
	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			key        TEXT    PRIMARY KEY,
			value      TEXT    NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%%s', 'now'))
		);
	`, table))
	return err
}

// Load returns every row of the table.
func (s *KV) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %q`, s.table))
	if err != nil {
		return nil, fmt.Errorf("sqlite load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Save upserts values in a single transaction.
func (s *KV) Save(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (key, value, updated_at) VALUES (?, ?, strftime('%%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.table))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite upsert %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (s *KV) Close() error {
	return s.db.Close()
}
