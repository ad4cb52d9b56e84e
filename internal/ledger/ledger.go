// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package ledger records conversion runs and per-session outcomes in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/internal/ledger/migrations"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status is the outcome of a session conversion.
type Status string

const (
	StatusConverted Status = "converted"
	StatusFailed    Status = "failed"
	// StatusSkipped marks a session left alone because an earlier run
	// already converted it.
	StatusSkipped Status = "skipped"
)

// Run is one invocation of the batch converter.
type Run struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time // Zero while the run is in progress
	CatalogVersion string
}

// Record is the outcome of one session within a run.
type Record struct {
	RunID       string
	Manifest    string
	SessionID   string
	Status      Status
	Category    fault.Category // Empty for converted sessions
	Error       string
	Warnings    int
	Output      string
	OutputBytes int64
	Traces      int
	Intervals   int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Ledger is a SQLite-backed conversion ledger. It is safe for concurrent use.
type Ledger struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the ledger at path and applies the embedded migrations.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite db: %w", err)
	}
	// Batch workers share the ledger; serialize writers on one connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("error connecting to sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("error applying migrations: %w", err)
	}
	return &Ledger{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (l *Ledger) Close() error {
	if l == nil || l.sqlDB == nil {
		return nil
	}
	return l.sqlDB.Close()
}

// StartRun records the start of a run and returns it with a fresh id.
func (l *Ledger) StartRun(ctx context.Context, catalogVersion string) (Run, error) {
	run := Run{
		ID:             uuid.NewString(),
		StartedAt:      time.Now().UTC(),
		CatalogVersion: catalogVersion,
	}
	_, err := l.sqlDB.ExecContext(ctx,
		"INSERT INTO runs (id, started_at, catalog_version) VALUES (?, ?, ?)",
		run.ID, toMillis(run.StartedAt), run.CatalogVersion)
	if err != nil {
		return Run{}, fmt.Errorf("error inserting run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run as finished.
func (l *Ledger) FinishRun(ctx context.Context, runID string) error {
	res, err := l.sqlDB.ExecContext(ctx,
		"UPDATE runs SET finished_at = ? WHERE id = ?", toMillis(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("error finishing run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun returns a run by id.
func (l *Ledger) GetRun(ctx context.Context, runID string) (Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
	)
	err := l.sqlDB.QueryRowContext(ctx,
		"SELECT id, started_at, finished_at, catalog_version FROM runs WHERE id = ?", runID,
	).Scan(&run.ID, &started, &finished, &run.CatalogVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("error reading run: %w", err)
	}
	run.StartedAt = fromMillis(started)
	if finished.Valid {
		run.FinishedAt = fromMillis(finished.Int64)
	}
	return run, nil
}

// RecordSession stores the outcome of one session. Recording the same
// manifest twice in a run replaces the earlier outcome.
func (l *Ledger) RecordSession(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.RunID) == "" || strings.TrimSpace(rec.Manifest) == "" {
		return fmt.Errorf("run id and manifest are required")
	}
	_, err := l.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO sessions (
    run_id, manifest, session_id, status, category, error, warnings,
    output, output_bytes, traces, intervals, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Manifest, rec.SessionID, string(rec.Status), string(rec.Category), rec.Error, rec.Warnings,
		rec.Output, rec.OutputBytes, rec.Traces, rec.Intervals, toMillis(rec.StartedAt), toMillis(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("error recording session %s: %w", rec.Manifest, err)
	}
	return nil
}

// Sessions lists the outcomes recorded for a run, ordered by manifest.
func (l *Ledger) Sessions(ctx context.Context, runID string) ([]Record, error) {
	rows, err := l.sqlDB.QueryContext(ctx, `
SELECT run_id, manifest, session_id, status, category, error, warnings,
       output, output_bytes, traces, intervals, started_at, finished_at
FROM sessions WHERE run_id = ? ORDER BY manifest`, runID)
	if err != nil {
		return nil, fmt.Errorf("error listing sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec               Record
			status, category  string
			started, finished int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Manifest, &rec.SessionID, &status, &category, &rec.Error, &rec.Warnings,
			&rec.Output, &rec.OutputBytes, &rec.Traces, &rec.Intervals, &started, &finished); err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		rec.Status = Status(status)
		rec.Category = fault.Category(category)
		rec.StartedAt = fromMillis(started)
		rec.FinishedAt = fromMillis(finished)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error listing sessions: %w", err)
	}
	return records, nil
}

// LastConverted returns the most recent successful conversion of manifest
// across all runs.
func (l *Ledger) LastConverted(ctx context.Context, manifest string) (Record, bool, error) {
	var (
		rec               Record
		status, category  string
		started, finished int64
	)
	err := l.sqlDB.QueryRowContext(ctx, `
SELECT run_id, manifest, session_id, status, category, error, warnings,
       output, output_bytes, traces, intervals, started_at, finished_at
FROM sessions WHERE manifest = ? AND status = ?
ORDER BY finished_at DESC LIMIT 1`, manifest, string(StatusConverted),
	).Scan(&rec.RunID, &rec.Manifest, &rec.SessionID, &status, &category, &rec.Error, &rec.Warnings,
		&rec.Output, &rec.OutputBytes, &rec.Traces, &rec.Intervals, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("error finding last conversion: %w", err)
	}
	rec.Status = Status(status)
	rec.Category = fault.Category(category)
	rec.StartedAt = fromMillis(started)
	rec.FinishedAt = fromMillis(finished)
	return rec, true, nil
}

const migrationTable = "schema_migrations"

// applyMigrations executes each embedded migration at most once.
func applyMigrations(sqlDB *sql.DB) error {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("error reading migrations dir: %w", err)
	}

	if _, err := sqlDB.Exec(`
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("error creating migration table: %w", err)
	}

	// ReadDir returns entries sorted by file name.
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var found int
		err := sqlDB.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("error checking migration %s: %w", name, err)
		}

		content, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("error reading migration %s: %w", name, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("error beginning migration transaction %s: %w", name, err)
		}
		if _, err := tx.Exec(upMigration(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("error executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			name, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("error recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("error committing migration %s: %w", name, err)
		}
	}
	return nil
}

// upMigration returns the SQL in the "-- +migrate Up" section.
func upMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	if i := strings.Index(content, up); i >= 0 {
		content = content[i+len(up):]
	}
	if i := strings.Index(content, down); i >= 0 {
		content = content[:i]
	}
	return content
}
