// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit entries in SQLite for runs that need a
// queryable trail across invocations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens the database file at path and ensures schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(db)
}

// Record stores a single audit entry.
func (s *SQLiteStore) Record(ctx context.Context, entry Entry) error {
	entry = normalize(entry)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cadre_audit_entries (
			ts, run_id, workflow, step_id, actor, action, outcome, decision, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.Timestamp,
		entry.RunID,
		entry.Workflow,
		entry.StepID,
		entry.Actor,
		entry.Action,
		entry.Outcome,
		entry.Decision,
		entry.Detail,
	)
	return err
}

// List returns audit entries matching the filter in insertion order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `
		SELECT ts, run_id, workflow, step_id, actor, action, outcome, decision, detail
		FROM cadre_audit_entries
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if filter.Actor != "" {
		addFilter("actor = ?", filter.Actor)
	}
	if filter.Action != "" {
		addFilter("action = ?", filter.Action)
	}
	if filter.StepID != "" {
		addFilter("step_id = ?", filter.StepID)
	}
	query += where + " ORDER BY rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry Entry
			ts    sql.NullTime
		)
		if err := rows.Scan(
			&ts,
			&entry.RunID,
			&entry.Workflow,
			&entry.StepID,
			&entry.Actor,
			&entry.Action,
			&entry.Outcome,
			&entry.Decision,
			&entry.Detail,
		); err != nil {
			return nil, err
		}
		if ts.Valid {
			entry.Timestamp = ts.Time.UTC()
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cadre_audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP,
			run_id TEXT,
			workflow TEXT,
			step_id TEXT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			decision TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_cadre_audit_run ON cadre_audit_entries(run_id);
		CREATE INDEX IF NOT EXISTS idx_cadre_audit_actor ON cadre_audit_entries(actor);
		CREATE INDEX IF NOT EXISTS idx_cadre_audit_action ON cadre_audit_entries(action);
	`)
	return err
}
