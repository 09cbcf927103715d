// Package sqlite persists policies, server descriptors, and groups in a
// single SQLite database. The schema is applied on open, so a fresh DSN
// yields a working store with no separate migration step.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

//go:embed schema.sql
var schemaSQL string

// Open opens the database at dsn, creating it if needed, and applies the
// schema. The handle is limited to one connection: SQLite serializes
// writers anyway, and a single connection avoids SQLITE_BUSY under
// concurrent API calls.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

// Timestamps are stored as RFC3339Nano text so rows stay readable in the
// sqlite3 shell and sort lexicographically.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// encodeJSON marshals v for a JSON text column. Callers pass nil for
// empty values, which maps to NULL.
func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding JSON column: %w", err)
	}
	return string(buf), nil
}

// decodeJSON unmarshals a JSON text column into out. NULL columns scan
// as empty and leave out untouched.
func decodeJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding JSON column: %w", err)
	}
	return nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
