package memory

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Phase2ClaimOutcome classifies a global consolidation claim attempt,
// matching Phase2JobClaimOutcome's variants.
type Phase2ClaimOutcome int

const (
	Phase2Claimed Phase2ClaimOutcome = iota
	Phase2SkippedNotDirty
	Phase2SkippedRunning
)

func (o Phase2ClaimOutcome) String() string {
	switch o {
	case Phase2Claimed:
		return "claimed"
	case Phase2SkippedNotDirty:
		return "skipped_not_dirty"
	case Phase2SkippedRunning:
		return "skipped_running"
	default:
		return "unknown"
	}
}

// execer is the subset of *sql.DB / *sql.Tx that enqueueGlobalConsolidation
// needs, letting it run either standalone or inside a caller's transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// EnqueueGlobalConsolidation advances the singleton memory_consolidate_global
// job's input_watermark, marking new stage-1 output as worth consolidating.
func (s *Store) EnqueueGlobalConsolidation(inputWatermark int64) error {
	return enqueueGlobalConsolidation(s.db, inputWatermark)
}

func enqueueGlobalConsolidation(x execer, inputWatermark int64) error {
	_, err := x.Exec(`
INSERT INTO jobs (kind, job_key, status, worker_id, ownership_token, started_at, finished_at,
                   lease_until, retry_at, retry_remaining, last_error, input_watermark, last_success_watermark)
VALUES (?, ?, 'pending', NULL, NULL, NULL, NULL, NULL, NULL, ?, NULL, ?, NULL)
ON CONFLICT(kind, job_key) DO UPDATE SET
    status = CASE WHEN jobs.status = 'running' THEN 'running' ELSE 'pending' END,
    retry_remaining = max(jobs.retry_remaining, excluded.retry_remaining),
    input_watermark = max(jobs.input_watermark, excluded.input_watermark)
`, JobKindConsolidateGlobal, globalJobKey, defaultRetryRemaining, inputWatermark)
	if err != nil {
		return fmt.Errorf("memory: enqueue global consolidation: %w", err)
	}
	return nil
}

// TryClaimGlobalPhase2Job attempts to claim the singleton global
// consolidation job. It reports SkippedNotDirty when nothing new has been
// enqueued since the last success, SkippedRunning when another worker holds
// an active lease, or claims the row and returns its ownership token together
// with the input_watermark it was claimed at — the caller must feed that
// watermark back into MarkGlobalPhase2JobSucceeded as completed_watermark.
func (s *Store) TryClaimGlobalPhase2Job(workerID string, leaseSeconds int64) (string, int64, Phase2ClaimOutcome, error) {
	now := s.now().Unix()
	leaseUntil := now + maxInt64(leaseSeconds, 0)
	token := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, 0, fmt.Errorf("memory: begin phase2 claim: %w", err)
	}
	defer tx.Rollback()

	var status string
	var leaseUntilExisting, retryAt, lastSuccessWatermark sql.NullInt64
	var inputWatermark, retryRemaining int64
	err = tx.QueryRow(`
SELECT status, lease_until, retry_at, retry_remaining, input_watermark, last_success_watermark
FROM jobs WHERE kind = ? AND job_key = ?
`, JobKindConsolidateGlobal, globalJobKey).Scan(&status, &leaseUntilExisting, &retryAt, &retryRemaining, &inputWatermark, &lastSuccessWatermark)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, Phase2SkippedNotDirty, tx.Commit()
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("memory: read global phase2 job: %w", err)
	}

	if lastSuccessWatermark.Valid && inputWatermark <= lastSuccessWatermark.Int64 {
		return "", 0, Phase2SkippedNotDirty, tx.Commit()
	}
	if retryRemaining <= 0 || (retryAt.Valid && retryAt.Int64 > now) {
		return "", 0, Phase2SkippedNotDirty, tx.Commit()
	}
	if status == "running" && leaseUntilExisting.Valid && leaseUntilExisting.Int64 > now {
		return "", 0, Phase2SkippedRunning, tx.Commit()
	}

	_, err = tx.Exec(`
UPDATE jobs
SET status = 'running', worker_id = ?, ownership_token = ?, started_at = ?,
    finished_at = NULL, lease_until = ?, retry_at = NULL
WHERE kind = ? AND job_key = ?
`, workerID, token, now, leaseUntil, JobKindConsolidateGlobal, globalJobKey)
	if err != nil {
		return "", 0, 0, fmt.Errorf("memory: claim global phase2 job: %w", err)
	}
	return token, inputWatermark, Phase2Claimed, tx.Commit()
}

// HeartbeatGlobalPhase2Job extends the owned running global job's lease.
func (s *Store) HeartbeatGlobalPhase2Job(ownershipToken string, leaseSeconds int64) (bool, error) {
	now := s.now().Unix()
	res, err := s.db.Exec(`
UPDATE jobs SET lease_until = ?
WHERE kind = ? AND job_key = ? AND status = 'running' AND ownership_token = ?
`, now+maxInt64(leaseSeconds, 0), JobKindConsolidateGlobal, globalJobKey, ownershipToken)
	if err != nil {
		return false, fmt.Errorf("memory: heartbeat global phase2 job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkGlobalPhase2JobSucceeded finalizes the owned running global job and
// records which stage1_outputs rows fed this consolidation, atomically:
//  1. transition the job to done, advancing last_success_watermark to
//     max(existing, completedWatermark);
//  2. clear selected_for_phase2/selected_for_phase2_source_updated_at on
//     every row;
//  3. set those two columns on each row in selectedOutputs.
//
// Step 1 gates the rest: if the ownership-guarded UPDATE affects no rows,
// the transaction commits immediately without touching stage1_outputs.
func (s *Store) MarkGlobalPhase2JobSucceeded(ownershipToken string, completedWatermark int64, selectedOutputs []Stage1Output) (bool, error) {
	now := s.now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("memory: begin mark phase2 succeeded: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
UPDATE jobs
SET status = 'done', finished_at = ?, lease_until = NULL, last_error = NULL,
    last_success_watermark = max(COALESCE(last_success_watermark, 0), ?)
WHERE kind = ? AND job_key = ? AND status = 'running' AND ownership_token = ?
`, now, completedWatermark, JobKindConsolidateGlobal, globalJobKey, ownershipToken)
	if err != nil {
		return false, fmt.Errorf("memory: finalize global phase2 job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.Exec(`
UPDATE stage1_outputs
SET selected_for_phase2 = 0, selected_for_phase2_source_updated_at = NULL
WHERE selected_for_phase2 != 0 OR selected_for_phase2_source_updated_at IS NOT NULL
`); err != nil {
		return false, fmt.Errorf("memory: clear phase2 selection: %w", err)
	}

	for _, o := range selectedOutputs {
		if _, err := tx.Exec(`
UPDATE stage1_outputs
SET selected_for_phase2 = 1, selected_for_phase2_source_updated_at = ?
WHERE thread_id = ? AND source_updated_at = ?
`, o.SourceUpdatedAt, o.ThreadID, o.SourceUpdatedAt); err != nil {
			return false, fmt.Errorf("memory: mark phase2 selection for thread %s: %w", o.ThreadID, err)
		}
	}

	return true, tx.Commit()
}

// MarkGlobalPhase2JobFailed decrements the owned running global job's retry
// budget and schedules its next retry.
func (s *Store) MarkGlobalPhase2JobFailed(ownershipToken, failureReason string, retryDelaySeconds int64) (bool, error) {
	return markGlobalPhase2JobFailed(s, `ownership_token = ?`, []any{ownershipToken}, failureReason, retryDelaySeconds)
}

// MarkGlobalPhase2JobFailedIfUnowned applies the same state transition as
// MarkGlobalPhase2JobFailed, but also accepts a running row whose
// ownership_token was cleared by something external to this worker — a
// stuck-job recovery fallback for a lease whose owner crashed without ever
// writing an error.
func (s *Store) MarkGlobalPhase2JobFailedIfUnowned(ownershipToken, failureReason string, retryDelaySeconds int64) (bool, error) {
	return markGlobalPhase2JobFailed(s, `(ownership_token = ? OR ownership_token IS NULL)`, []any{ownershipToken}, failureReason, retryDelaySeconds)
}

func markGlobalPhase2JobFailed(s *Store, ownerClause string, ownerArgs []any, failureReason string, retryDelaySeconds int64) (bool, error) {
	now := s.now().Unix()
	args := []any{now, now + maxInt64(retryDelaySeconds, 0), failureReason, JobKindConsolidateGlobal, globalJobKey}
	args = append(args, ownerArgs...)
	res, err := s.db.Exec(`
UPDATE jobs
SET status = 'error', finished_at = ?, lease_until = NULL,
    retry_at = ?, retry_remaining = retry_remaining - 1, last_error = ?
WHERE kind = ? AND job_key = ? AND status = 'running' AND `+ownerClause, args...)
	if err != nil {
		return false, fmt.Errorf("memory: mark global phase2 job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Stage1Output is one stage-1 row worth feeding into global consolidation.
type Stage1Output struct {
	ThreadID        string
	SourceUpdatedAt int64
	RawMemory       string
	RolloutSummary  string
	RolloutSlug     *string
	GeneratedAt     int64
}

// Phase2InputSelection is the result of diffing the current top-n stage-1
// outputs against whichever rows the previous global consolidation selected.
type Phase2InputSelection struct {
	// Selected is the current top-n non-empty stage-1 outputs, newest first.
	Selected []Stage1Output
	// PreviousSelected is every row still marked selected_for_phase2 from
	// the prior run.
	PreviousSelected []Stage1Output
	// RetainedThreadIDs holds the subset of Selected whose source_updated_at
	// matches the stored selected_for_phase2_source_updated_at snapshot —
	// i.e. selected again without having been regenerated in between.
	RetainedThreadIDs map[string]bool
	// Removed is every PreviousSelected row whose thread_id is absent from
	// Selected. A thread regenerated between runs appears in both Selected
	// (as new/added) and Removed (its stale snapshot falls out).
	Removed []Stage1Output
}

// GetPhase2InputSelection returns the n freshest non-empty stage-1 outputs
// for the global consolidation prompt, plus the diff against the previous
// selection needed to report what was retained, added, or removed.
func (s *Store) GetPhase2InputSelection(n int) (Phase2InputSelection, error) {
	var out Phase2InputSelection
	if n <= 0 {
		return out, nil
	}

	selected, err := queryStage1Outputs(s.db, `
SELECT thread_id, source_updated_at, raw_memory, rollout_summary, rollout_slug, generated_at,
       selected_for_phase2, selected_for_phase2_source_updated_at
FROM stage1_outputs
WHERE length(trim(raw_memory)) > 0 OR length(trim(rollout_summary)) > 0
ORDER BY source_updated_at DESC, thread_id DESC
LIMIT ?
`, n)
	if err != nil {
		return out, fmt.Errorf("memory: select phase2 input candidates: %w", err)
	}

	previousSelected, err := queryStage1Outputs(s.db, `
SELECT thread_id, source_updated_at, raw_memory, rollout_summary, rollout_slug, generated_at,
       selected_for_phase2, selected_for_phase2_source_updated_at
FROM stage1_outputs
WHERE selected_for_phase2 = 1
`)
	if err != nil {
		return out, fmt.Errorf("memory: select previous phase2 selection: %w", err)
	}

	currentThreadIDs := make(map[string]bool, len(selected))
	retained := make(map[string]bool)
	for _, o := range selected {
		currentThreadIDs[o.ThreadID] = true
		if o.selectedForPhase2 && o.selectedForPhase2SourceUpdatedAt.Valid &&
			o.selectedForPhase2SourceUpdatedAt.Int64 == o.SourceUpdatedAt {
			retained[o.ThreadID] = true
		}
	}

	var removed []Stage1Output
	for _, o := range previousSelected {
		if !currentThreadIDs[o.ThreadID] {
			removed = append(removed, o.Stage1Output)
		}
	}

	out.Selected = make([]Stage1Output, len(selected))
	for i, o := range selected {
		out.Selected[i] = o.Stage1Output
	}
	out.PreviousSelected = make([]Stage1Output, len(previousSelected))
	for i, o := range previousSelected {
		out.PreviousSelected[i] = o.Stage1Output
	}
	out.RetainedThreadIDs = retained
	out.Removed = removed
	return out, nil
}

// stage1OutputRow is Stage1Output plus the selection bookkeeping columns,
// used only while diffing the current and previous phase-2 selections.
type stage1OutputRow struct {
	Stage1Output
	selectedForPhase2                bool
	selectedForPhase2SourceUpdatedAt sql.NullInt64
}

func queryStage1Outputs(q queryer, query string, args ...any) ([]stage1OutputRow, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stage1OutputRow
	for rows.Next() {
		var o stage1OutputRow
		var slug sql.NullString
		var selectedFlag int
		if err := rows.Scan(&o.ThreadID, &o.SourceUpdatedAt, &o.RawMemory, &o.RolloutSummary, &slug,
			&o.GeneratedAt, &selectedFlag, &o.selectedForPhase2SourceUpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan stage1 output: %w", err)
		}
		if slug.Valid {
			o.RolloutSlug = &slug.String
		}
		o.selectedForPhase2 = selectedFlag != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// queryer is the subset of *sql.DB needed to run a SELECT.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}
