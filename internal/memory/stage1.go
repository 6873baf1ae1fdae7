package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage1ClaimOutcome classifies why claim attempt resolved the way it did,
// matching Stage1JobClaimOutcome's variants.
type Stage1ClaimOutcome int

const (
	Stage1Claimed Stage1ClaimOutcome = iota
	Stage1SkippedUpToDate
	Stage1SkippedRunning
	Stage1SkippedRetryBackoff
	Stage1SkippedRetryExhausted
)

func (o Stage1ClaimOutcome) String() string {
	switch o {
	case Stage1Claimed:
		return "claimed"
	case Stage1SkippedUpToDate:
		return "skipped_up_to_date"
	case Stage1SkippedRunning:
		return "skipped_running"
	case Stage1SkippedRetryBackoff:
		return "skipped_retry_backoff"
	case Stage1SkippedRetryExhausted:
		return "skipped_retry_exhausted"
	default:
		return "unknown"
	}
}

// Stage1Claim is one successfully claimed stage-1 job, ready to be handed to
// a Stage1Extractor.
type Stage1Claim struct {
	ThreadID        string
	SourceUpdatedAt int64
	OwnershipToken  string
}

// StartupScanParams bounds a claim_stage1_jobs_for_startup sweep.
type StartupScanParams struct {
	WorkerID       string
	ScanLimit      int
	MaxClaimed     int
	MaxAgeDays     int
	MinIdleHours   int
	LeaseSeconds   int64
	MaxRunningJobs int
	AllowedSources []string
}

// ClaimStage1JobsForStartup scans threads eligible for stage-1 re-extraction
// (active, an allowed source, inside the age window, and stale relative to
// both the existing stage1_outputs row and the job's last success
// watermark), and attempts to claim up to MaxClaimed of them in
// updated_at-descending order.
func (s *Store) ClaimStage1JobsForStartup(p StartupScanParams) ([]Stage1Claim, error) {
	if p.ScanLimit <= 0 || p.MaxClaimed <= 0 {
		return nil, nil
	}
	now := s.now()
	maxAgeCutoff := now.AddDate(0, 0, -max(p.MaxAgeDays, 0)).Unix()
	idleCutoff := now.Add(-time.Duration(max(p.MinIdleHours, 0)) * time.Hour).Unix()

	query := `
SELECT threads.id, threads.updated_at
FROM threads
LEFT JOIN stage1_outputs ON stage1_outputs.thread_id = threads.id
LEFT JOIN jobs ON jobs.kind = ? AND jobs.job_key = threads.id
WHERE threads.active = 1
  AND threads.id != ?
  AND threads.updated_at >= ?
  AND threads.updated_at <= ?
  AND COALESCE(stage1_outputs.source_updated_at, -1) < threads.updated_at
  AND COALESCE(jobs.last_success_watermark, -1) < threads.updated_at
`
	args := []any{JobKindStage1, p.WorkerID, maxAgeCutoff, idleCutoff}
	if len(p.AllowedSources) > 0 {
		placeholders := ""
		for i, src := range p.AllowedSources {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, src)
		}
		query += fmt.Sprintf(" AND threads.source IN (%s)", placeholders)
	}
	query += " ORDER BY threads.updated_at DESC, threads.id DESC LIMIT ?"
	args = append(args, p.ScanLimit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: scan stage1 candidates: %w", err)
	}
	type candidate struct {
		id        string
		updatedAt int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("memory: scan stage1 candidate row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	var claimed []Stage1Claim
	for _, c := range candidates {
		if len(claimed) >= p.MaxClaimed {
			break
		}
		token, outcome, err := s.TryClaimStage1Job(c.id, p.WorkerID, c.updatedAt, p.LeaseSeconds, p.MaxRunningJobs)
		if err != nil {
			return nil, err
		}
		if outcome == Stage1Claimed {
			claimed = append(claimed, Stage1Claim{ThreadID: c.id, SourceUpdatedAt: c.updatedAt, OwnershipToken: token})
		}
	}
	return claimed, nil
}

// TryClaimStage1Job attempts to claim the memory_stage1 job for threadID at
// sourceUpdatedAt. It skips as up to date if either the existing
// stage1_outputs row or the job's last_success_watermark is already at or
// ahead of sourceUpdatedAt, otherwise upserts the jobs row to running subject
// to the lease/retry/concurrency conditions carried over from the claim
// query this is grounded on.
func (s *Store) TryClaimStage1Job(threadID, workerID string, sourceUpdatedAt, leaseSeconds int64, maxRunningJobs int) (string, Stage1ClaimOutcome, error) {
	now := s.now().Unix()
	leaseUntil := now + maxInt64(leaseSeconds, 0)
	token := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("memory: begin stage1 claim: %w", err)
	}
	defer tx.Rollback()

	var existingSourceUpdatedAt sql.NullInt64
	err = tx.QueryRow(`SELECT source_updated_at FROM stage1_outputs WHERE thread_id = ?`, threadID).Scan(&existingSourceUpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("memory: read existing stage1 output: %w", err)
	}
	if existingSourceUpdatedAt.Valid && existingSourceUpdatedAt.Int64 >= sourceUpdatedAt {
		return "", Stage1SkippedUpToDate, tx.Commit()
	}

	var lastSuccessWatermark sql.NullInt64
	err = tx.QueryRow(`SELECT last_success_watermark FROM jobs WHERE kind = ? AND job_key = ?`, JobKindStage1, threadID).Scan(&lastSuccessWatermark)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("memory: read existing stage1 job: %w", err)
	}
	if lastSuccessWatermark.Valid && lastSuccessWatermark.Int64 >= sourceUpdatedAt {
		return "", Stage1SkippedUpToDate, tx.Commit()
	}

	res, err := tx.Exec(`
INSERT INTO jobs (kind, job_key, status, worker_id, ownership_token, started_at, finished_at,
                   lease_until, retry_at, retry_remaining, last_error, input_watermark, last_success_watermark)
SELECT ?, ?, 'running', ?, ?, ?, NULL, ?, NULL, ?, NULL, ?, NULL
WHERE (
    SELECT COUNT(*) FROM jobs
    WHERE kind = ? AND status = 'running' AND lease_until IS NOT NULL AND lease_until > ?
) < ?
ON CONFLICT(kind, job_key) DO UPDATE SET
    status = 'running',
    worker_id = excluded.worker_id,
    ownership_token = excluded.ownership_token,
    started_at = excluded.started_at,
    finished_at = NULL,
    lease_until = excluded.lease_until,
    retry_at = NULL,
    retry_remaining = CASE
        WHEN excluded.input_watermark > COALESCE(jobs.input_watermark, -1) THEN ?
        ELSE jobs.retry_remaining
    END,
    last_error = NULL,
    input_watermark = excluded.input_watermark
WHERE
    (jobs.status != 'running' OR jobs.lease_until IS NULL OR jobs.lease_until <= excluded.started_at)
    AND (jobs.retry_at IS NULL OR jobs.retry_at <= excluded.started_at
         OR excluded.input_watermark > COALESCE(jobs.input_watermark, -1))
    AND (jobs.retry_remaining > 0 OR excluded.input_watermark > COALESCE(jobs.input_watermark, -1))
`, JobKindStage1, threadID, workerID, token, now, leaseUntil, defaultRetryRemaining, sourceUpdatedAt,
		JobKindStage1, now, maxRunningJobs, defaultRetryRemaining)
	if err != nil {
		return "", 0, fmt.Errorf("memory: claim stage1 job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return token, Stage1Claimed, tx.Commit()
	}

	var status string
	var leaseUntilExisting, retryAt sql.NullInt64
	var retryRemaining int64
	err = tx.QueryRow(`SELECT status, lease_until, retry_at, retry_remaining FROM jobs WHERE kind = ? AND job_key = ?`,
		JobKindStage1, threadID).Scan(&status, &leaseUntilExisting, &retryAt, &retryRemaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", Stage1SkippedRunning, tx.Commit()
		}
		return "", 0, fmt.Errorf("memory: read stage1 job after failed claim: %w", err)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return "", 0, commitErr
	}

	switch {
	case retryRemaining <= 0:
		return "", Stage1SkippedRetryExhausted, nil
	case retryAt.Valid && retryAt.Int64 > now:
		return "", Stage1SkippedRetryBackoff, nil
	case status == "running" && leaseUntilExisting.Valid && leaseUntilExisting.Int64 > now:
		return "", Stage1SkippedRunning, nil
	default:
		return "", Stage1SkippedRunning, nil
	}
}

// MarkStage1JobSucceeded records a successfully extracted stage-1 output and
// marks the owned running job done. It reports false if the job was not
// found running under ownershipToken (another worker's lease already
// reclaimed it).
func (s *Store) MarkStage1JobSucceeded(threadID, ownershipToken string, sourceUpdatedAt int64, rawMemory, rolloutSummary string, rolloutSlug *string) (bool, error) {
	now := s.now().Unix()
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("memory: begin mark stage1 succeeded: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
UPDATE jobs
SET status = 'done', finished_at = ?, lease_until = NULL, last_error = NULL,
    last_success_watermark = input_watermark
WHERE kind = ? AND job_key = ? AND status = 'running' AND ownership_token = ?
`, now, JobKindStage1, threadID, ownershipToken)
	if err != nil {
		return false, fmt.Errorf("memory: finalize stage1 job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.Exec(`
INSERT INTO stage1_outputs (thread_id, source_updated_at, raw_memory, rollout_summary, rollout_slug, generated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
    source_updated_at = excluded.source_updated_at,
    raw_memory = excluded.raw_memory,
    rollout_summary = excluded.rollout_summary,
    rollout_slug = excluded.rollout_slug,
    generated_at = excluded.generated_at
WHERE excluded.source_updated_at >= stage1_outputs.source_updated_at
`, threadID, sourceUpdatedAt, rawMemory, rolloutSummary, rolloutSlug, now); err != nil {
		return false, fmt.Errorf("memory: upsert stage1 output: %w", err)
	}

	if err := enqueueGlobalConsolidation(tx, sourceUpdatedAt); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// MarkStage1JobSucceededNoOutput finalizes a job whose extraction decided the
// thread carries nothing worth remembering, deleting any prior output.
func (s *Store) MarkStage1JobSucceededNoOutput(threadID, ownershipToken string) (bool, error) {
	now := s.now().Unix()
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("memory: begin mark stage1 no-output: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
UPDATE jobs
SET status = 'done', finished_at = ?, lease_until = NULL, last_error = NULL,
    last_success_watermark = input_watermark
WHERE kind = ? AND job_key = ? AND status = 'running' AND ownership_token = ?
`, now, JobKindStage1, threadID, ownershipToken)
	if err != nil {
		return false, fmt.Errorf("memory: finalize stage1 no-output job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}

	var inputWatermark int64
	if err := tx.QueryRow(`SELECT input_watermark FROM jobs WHERE kind = ? AND job_key = ? AND ownership_token = ?`,
		JobKindStage1, threadID, ownershipToken).Scan(&inputWatermark); err != nil {
		return false, fmt.Errorf("memory: read finalized job watermark: %w", err)
	}

	res, err = tx.Exec(`DELETE FROM stage1_outputs WHERE thread_id = ?`, threadID)
	if err != nil {
		return false, fmt.Errorf("memory: delete stale stage1 output: %w", err)
	}
	if deleted, _ := res.RowsAffected(); deleted > 0 {
		if err := enqueueGlobalConsolidation(tx, inputWatermark); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// MarkStage1JobFailed records a stage-1 extraction failure, decrementing the
// job's retry budget and scheduling the next eligible retry time.
func (s *Store) MarkStage1JobFailed(threadID, ownershipToken, failureReason string, retryDelaySeconds int64) (bool, error) {
	now := s.now().Unix()
	retryAt := now + maxInt64(retryDelaySeconds, 0)
	res, err := s.db.Exec(`
UPDATE jobs
SET status = 'error', finished_at = ?, lease_until = NULL, retry_at = ?,
    retry_remaining = retry_remaining - 1, last_error = ?
WHERE kind = ? AND job_key = ? AND status = 'running' AND ownership_token = ?
`, now, retryAt, failureReason, JobKindStage1, threadID, ownershipToken)
	if err != nil {
		return false, fmt.Errorf("memory: mark stage1 job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
