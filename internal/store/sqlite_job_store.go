package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_bucket TEXT NOT NULL,
	source_key TEXT NOT NULL,
	source_size INTEGER NOT NULL DEFAULT 0,
	event_name TEXT NOT NULL DEFAULT '',
	output_bucket TEXT NOT NULL DEFAULT '',
	output_key TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	person_pixels INTEGER NOT NULL DEFAULT 0,
	saturated INTEGER NOT NULL DEFAULT 0,
	failure_stage TEXT NOT NULL DEFAULT '',
	failure_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON jobs(source_bucket, source_key);
`

type SQLiteJobStore struct {
	sqlJobStore
}

// NewSQLiteJobStore opens (or creates) the database file at path. A single
// connection serializes writers.
func NewSQLiteJobStore(ctx context.Context, path string) (*SQLiteJobStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}

	return &SQLiteJobStore{sqlJobStore{
		db:          db,
		isDuplicate: isSQLiteConstraintViolation,
		now:         time.Now,
	}}, nil
}

func isSQLiteConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
