// Package memory implements the memory scheduler: a two-stage background
// pipeline that extracts per-thread ("stage-1") summaries from idle rollout
// threads and periodically consolidates the freshest of them into one global
// memory document ("phase-2"). State lives in SQLite, claimed with the same
// lease/ownership-token/retry-backoff discipline a multi-worker job queue
// needs to avoid two workers racing the same thread.
//
// Grounded on original_source/codex-rs/state/src/runtime/memories.rs: the
// job-kind constants, the stage-1 startup eligibility query (age window +
// staleness via COALESCE-guarded watermarks), the claim upsert's lease/retry
// conditions, and the succeeded/failed/no-output transitions are all carried
// over from there, translated from sqlx query builders to database/sql.
// Schema bootstrap follows the teacher's cmd/migrate.go (golang-migrate
// against an embedded migration source) with the sqlite (modernc.org/sqlite,
// cgo-free) driver in place of the teacher's postgres one.
package memory

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// JobKind names one of the two job tables' row families sharing the jobs
// table, matching JOB_KIND_MEMORY_STAGE1 / JOB_KIND_MEMORY_CONSOLIDATE_GLOBAL.
type JobKind string

const (
	JobKindStage1            JobKind = "memory_stage1"
	JobKindConsolidateGlobal JobKind = "memory_consolidate_global"

	globalJobKey = "global"

	// defaultRetryRemaining seeds a freshly claimed job's retry budget.
	defaultRetryRemaining = 3
)

// Store owns the SQLite connection backing the memory scheduler's job queue
// and stage-1 output table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if absent) the sqlite database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite write-lock discipline: one writer at a time

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("memory: load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("memory: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("memory: build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("memory: apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// UpsertThread records or refreshes the liveness/updated_at watermark for a
// thread the rollout/history layer knows about. The scheduler only considers
// threads this has been told about.
func (s *Store) UpsertThread(id, source string, active bool, updatedAt time.Time) error {
	_, err := s.db.Exec(`
INSERT INTO threads (id, source, active, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    source = excluded.source,
    active = excluded.active,
    updated_at = excluded.updated_at
`, id, source, boolToInt(active), updatedAt.Unix())
	if err != nil {
		return fmt.Errorf("memory: upsert thread: %w", err)
	}
	return nil
}

// ClearMemoryData deletes every stage1_outputs row and every jobs row for
// both memory job kinds, in one transaction.
func (s *Store) ClearMemoryData() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("memory: begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM stage1_outputs`); err != nil {
		return fmt.Errorf("memory: clear stage1_outputs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE kind = ? OR kind = ?`,
		JobKindStage1, JobKindConsolidateGlobal); err != nil {
		return fmt.Errorf("memory: clear jobs: %w", err)
	}
	return tx.Commit()
}

// RecordStage1OutputUsage increments usage_count and refreshes last_usage for
// every thread id in threadIDs that has a stage1_outputs row. Missing rows
// are silently ignored, matching the source pipeline's "cited output may
// have already been evicted" tolerance.
func (s *Store) RecordStage1OutputUsage(threadIDs []string) (int, error) {
	if len(threadIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("memory: begin usage update: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	var updated int
	for _, id := range threadIDs {
		res, err := tx.Exec(`
UPDATE stage1_outputs
SET usage_count = usage_count + 1, last_usage = ?
WHERE thread_id = ?
`, now, id)
		if err != nil {
			return 0, fmt.Errorf("memory: update usage for %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	return updated, tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
