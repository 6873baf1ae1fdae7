package memory

import "testing"

func TestTryClaimGlobalPhase2JobSkipsWhenNotDirty(t *testing.T) {
	s := openTestStore(t)

	_, _, outcome, err := s.TryClaimGlobalPhase2Job("worker-a", 3600)
	if err != nil {
		t.Fatalf("claim with no enqueued work: %v", err)
	}
	if outcome != Phase2SkippedNotDirty {
		t.Fatalf("expected skipped-not-dirty with nothing enqueued, got %s", outcome)
	}
}

func TestTryClaimGlobalPhase2JobClaimsAfterEnqueue(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueGlobalConsolidation(100); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	token, watermark, outcome, err := s.TryClaimGlobalPhase2Job("worker-a", 3600)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome != Phase2Claimed || token == "" {
		t.Fatalf("expected a claim after enqueue, got outcome=%s token=%q", outcome, token)
	}
	if watermark != 100 {
		t.Fatalf("expected claimed input_watermark=100, got %d", watermark)
	}

	_, _, outcome2, err := s.TryClaimGlobalPhase2Job("worker-b", 3600)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if outcome2 != Phase2SkippedRunning {
		t.Fatalf("expected the held lease to block a second claim, got %s", outcome2)
	}

	ok, err := s.MarkGlobalPhase2JobSucceeded(token, watermark, nil)
	if err != nil || !ok {
		t.Fatalf("mark succeeded: ok=%v err=%v", ok, err)
	}

	_, _, outcome3, err := s.TryClaimGlobalPhase2Job("worker-a", 3600)
	if err != nil {
		t.Fatalf("claim after success with no new input: %v", err)
	}
	if outcome3 != Phase2SkippedNotDirty {
		t.Fatalf("expected skipped-not-dirty once the watermark is caught up, got %s", outcome3)
	}
}

func TestEnqueueGlobalConsolidationAdvancesWatermarkNotRegresses(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueGlobalConsolidation(50); err != nil {
		t.Fatalf("enqueue 50: %v", err)
	}
	if err := s.EnqueueGlobalConsolidation(10); err != nil {
		t.Fatalf("enqueue 10: %v", err)
	}

	token, watermark, outcome, err := s.TryClaimGlobalPhase2Job("worker-a", 3600)
	if err != nil || outcome != Phase2Claimed {
		t.Fatalf("claim: outcome=%s err=%v", outcome, err)
	}
	if _, err := s.MarkGlobalPhase2JobSucceeded(token, watermark, nil); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	// A lower watermark than the one already consolidated must not reopen work.
	if err := s.EnqueueGlobalConsolidation(40); err != nil {
		t.Fatalf("enqueue 40: %v", err)
	}
	_, _, outcome, err = s.TryClaimGlobalPhase2Job("worker-a", 3600)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if outcome != Phase2SkippedNotDirty {
		t.Fatalf("expected a watermark below the last success to stay not-dirty, got %s", outcome)
	}
}

func TestGetPhase2InputSelectionFiltersBlankRows(t *testing.T) {
	s := openTestStore(t)
	now := int64(1000)

	token, _, err := s.TryClaimStage1Job("t1", "worker-a", now, 3600, 4)
	if err != nil {
		t.Fatalf("claim t1: %v", err)
	}
	if _, err := s.MarkStage1JobSucceeded("t1", token, now, "remembers the user prefers terse PRs", "", nil); err != nil {
		t.Fatalf("mark t1: %v", err)
	}

	token2, _, err := s.TryClaimStage1Job("t2", "worker-a", now, 3600, 4)
	if err != nil {
		t.Fatalf("claim t2: %v", err)
	}
	if _, err := s.MarkStage1JobSucceededNoOutput("t2", token2); err != nil {
		t.Fatalf("mark t2 no-output: %v", err)
	}

	selection, err := s.GetPhase2InputSelection(10)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(selection.Selected) != 1 || selection.Selected[0].ThreadID != "t1" {
		t.Fatalf("expected only t1's non-empty output, got %+v", selection.Selected)
	}
}

// insertStage1 writes (or regenerates) a stage1_outputs row directly,
// bypassing the claim/mark flow, since this test only needs source_updated_at
// control over the rows at play, not the job-claim machinery. Like a real
// stage-1 success, regeneration leaves the phase-2 selection columns alone.
func insertStage1(t *testing.T, s *Store, threadID string, sourceUpdatedAt int64) {
	t.Helper()
	if _, err := s.db.Exec(`
INSERT INTO stage1_outputs (thread_id, source_updated_at, raw_memory, rollout_summary, rollout_slug, generated_at)
VALUES (?, ?, ?, '', NULL, ?)
ON CONFLICT(thread_id) DO UPDATE SET
    source_updated_at = excluded.source_updated_at,
    raw_memory = excluded.raw_memory,
    generated_at = excluded.generated_at
`, threadID, sourceUpdatedAt, "memory for "+threadID, sourceUpdatedAt); err != nil {
		t.Fatalf("insert stage1 output %s: %v", threadID, err)
	}
}

// TestGetPhase2InputSelectionDiffAfterRegeneration exercises the worked
// example: A/B/C at source_updated_at 100/101/102, top-2 selects {C, B}. A
// and C are then regenerated at 103/104 and D appears at 105. The new top-2
// is {D, C}; C's snapshot moved so it does not count as retained, and A
// reappears as added (it is back under a newer snapshot) while also
// counting as removed (its previously-selected snapshot is gone).
func TestGetPhase2InputSelectionDiffAfterRegeneration(t *testing.T) {
	s := openTestStore(t)

	insertStage1(t, s, "A", 100)
	insertStage1(t, s, "B", 101)
	insertStage1(t, s, "C", 102)

	first, err := s.GetPhase2InputSelection(2)
	if err != nil {
		t.Fatalf("first selection: %v", err)
	}
	if len(first.Selected) != 2 || first.Selected[0].ThreadID != "C" || first.Selected[1].ThreadID != "B" {
		t.Fatalf("expected first selection {C, B}, got %+v", first.Selected)
	}

	if err := s.EnqueueGlobalConsolidation(102); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	token, watermark, outcome, err := s.TryClaimGlobalPhase2Job("worker-a", 3600)
	if err != nil || outcome != Phase2Claimed {
		t.Fatalf("claim: outcome=%s err=%v", outcome, err)
	}
	if ok, err := s.MarkGlobalPhase2JobSucceeded(token, watermark, first.Selected); err != nil || !ok {
		t.Fatalf("mark first selection: ok=%v err=%v", ok, err)
	}

	insertStage1(t, s, "A", 103)
	insertStage1(t, s, "C", 104)
	insertStage1(t, s, "D", 105)

	second, err := s.GetPhase2InputSelection(2)
	if err != nil {
		t.Fatalf("second selection: %v", err)
	}
	if len(second.Selected) != 2 || second.Selected[0].ThreadID != "D" || second.Selected[1].ThreadID != "C" {
		t.Fatalf("expected second selection {D, C}, got %+v", second.Selected)
	}
	if len(second.RetainedThreadIDs) != 0 {
		t.Fatalf("expected nothing retained since C's snapshot changed, got %+v", second.RetainedThreadIDs)
	}

	removedThreadIDs := map[string]bool{}
	for _, o := range second.Removed {
		removedThreadIDs[o.ThreadID] = true
	}
	if !removedThreadIDs["A"] || !removedThreadIDs["B"] {
		t.Fatalf("expected A and B to be removed, got %+v", second.Removed)
	}
}

func TestMarkGlobalPhase2JobSucceededRequiresOwnership(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueGlobalConsolidation(10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	token, watermark, outcome, err := s.TryClaimGlobalPhase2Job("worker-a", 3600)
	if err != nil || outcome != Phase2Claimed {
		t.Fatalf("claim: outcome=%s err=%v", outcome, err)
	}

	ok, err := s.MarkGlobalPhase2JobSucceeded("not-the-token", watermark, nil)
	if err != nil {
		t.Fatalf("mark with wrong token: %v", err)
	}
	if ok {
		t.Fatalf("expected a mismatched ownership token to be rejected")
	}

	ok, err = s.MarkGlobalPhase2JobSucceeded(token, watermark, nil)
	if err != nil || !ok {
		t.Fatalf("mark with correct token: ok=%v err=%v", ok, err)
	}
}

func TestMarkGlobalPhase2JobFailedIfUnownedAcceptsClearedOwnership(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueGlobalConsolidation(10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, outcome, err := s.TryClaimGlobalPhase2Job("worker-a", 3600); err != nil || outcome != Phase2Claimed {
		t.Fatalf("claim: outcome=%s err=%v", outcome, err)
	}

	if _, err := s.db.Exec(`UPDATE jobs SET ownership_token = NULL WHERE kind = ? AND job_key = ?`, JobKindConsolidateGlobal, globalJobKey); err != nil {
		t.Fatalf("clear ownership: %v", err)
	}

	ok, err := s.MarkGlobalPhase2JobFailedIfUnowned("stale-token", "worker crashed", 30)
	if err != nil {
		t.Fatalf("mark failed if unowned: %v", err)
	}
	if !ok {
		t.Fatalf("expected the fallback to accept a cleared ownership_token")
	}
}
