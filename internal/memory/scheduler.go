package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Stage1Extractor produces a per-thread summary from rollout/history
// content. Implementations live outside this package (they need the turn
// driver's history/rollout access); the scheduler only calls through this
// seam.
type Stage1Extractor interface {
	ExtractStage1(ctx context.Context, threadID string) (rawMemory, rolloutSummary string, rolloutSlug *string, err error)
}

// GlobalConsolidator folds the freshest stage-1 outputs into one memory
// document.
type GlobalConsolidator interface {
	ConsolidateGlobal(ctx context.Context, outputs []Stage1Output) error
}

// SchedulerConfig tunes the startup sweep and the background cron.
type SchedulerConfig struct {
	WorkerID          string
	ScanLimit         int
	MaxClaimed        int
	MaxAgeDays        int
	MinIdleHours      int
	LeaseSeconds      int64
	MaxRunningJobs    int
	AllowedSources    []string
	RetryDelaySeconds int64
	GlobalInputCount  int
	CronExpr          string // e.g. "@every 10m"
}

// Scheduler drives the stage-1 and global-consolidation job queues: one
// startup sweep claims and runs stage-1 jobs for stale threads, and a
// recurring cron tick attempts the singleton global consolidation job.
//
// Grounded on memories.rs's claim_stage1_jobs_for_startup /
// try_claim_global_phase2_job pair, with the recurring trigger built on
// adhocore/gronx's IsDue check inside a time.Ticker loop rather than an
// external cron daemon.
type Scheduler struct {
	Store       *Store
	Config      SchedulerConfig
	Extractor   Stage1Extractor
	Consolidate GlobalConsolidator
}

// NewScheduler builds a Scheduler wired to store.
func NewScheduler(store *Store, cfg SchedulerConfig, extractor Stage1Extractor, consolidator GlobalConsolidator) *Scheduler {
	return &Scheduler{Store: store, Config: cfg, Extractor: extractor, Consolidate: consolidator}
}

// RunStartupSweep claims eligible stage-1 jobs and runs the extractor for
// each, finalizing success/no-output/failure per claim. It returns the
// number of claims attempted.
func (s *Scheduler) RunStartupSweep(ctx context.Context) (int, error) {
	claims, err := s.Store.ClaimStage1JobsForStartup(StartupScanParams{
		WorkerID:       s.Config.WorkerID,
		ScanLimit:      s.Config.ScanLimit,
		MaxClaimed:     s.Config.MaxClaimed,
		MaxAgeDays:     s.Config.MaxAgeDays,
		MinIdleHours:   s.Config.MinIdleHours,
		LeaseSeconds:   s.Config.LeaseSeconds,
		MaxRunningJobs: s.Config.MaxRunningJobs,
		AllowedSources: s.Config.AllowedSources,
	})
	if err != nil {
		return 0, fmt.Errorf("memory: startup scan: %w", err)
	}

	for _, claim := range claims {
		s.runStage1Claim(ctx, claim)
	}
	return len(claims), nil
}

func (s *Scheduler) runStage1Claim(ctx context.Context, claim Stage1Claim) {
	raw, summary, slug, err := s.Extractor.ExtractStage1(ctx, claim.ThreadID)
	if err != nil {
		if _, markErr := s.Store.MarkStage1JobFailed(claim.ThreadID, claim.OwnershipToken, err.Error(), s.Config.RetryDelaySeconds); markErr != nil {
			slog.Error("memory.stage1_mark_failed_error", "thread_id", claim.ThreadID, "error", markErr)
		}
		return
	}
	if raw == "" && summary == "" {
		if _, markErr := s.Store.MarkStage1JobSucceededNoOutput(claim.ThreadID, claim.OwnershipToken); markErr != nil {
			slog.Error("memory.stage1_mark_no_output_error", "thread_id", claim.ThreadID, "error", markErr)
		}
		return
	}
	if _, markErr := s.Store.MarkStage1JobSucceeded(claim.ThreadID, claim.OwnershipToken, claim.SourceUpdatedAt, raw, summary, slug); markErr != nil {
		slog.Error("memory.stage1_mark_succeeded_error", "thread_id", claim.ThreadID, "error", markErr)
	}
}

// RunGlobalConsolidation attempts to claim and run the singleton global
// consolidation job, returning false if nothing was claimed.
func (s *Scheduler) RunGlobalConsolidation(ctx context.Context) (bool, error) {
	token, inputWatermark, outcome, err := s.Store.TryClaimGlobalPhase2Job(s.Config.WorkerID, s.Config.LeaseSeconds)
	if err != nil {
		return false, fmt.Errorf("memory: claim global phase2 job: %w", err)
	}
	if outcome != Phase2Claimed {
		return false, nil
	}

	selection, err := s.Store.GetPhase2InputSelection(s.Config.GlobalInputCount)
	if err != nil {
		if _, markErr := s.Store.MarkGlobalPhase2JobFailed(token, err.Error(), s.Config.RetryDelaySeconds); markErr != nil {
			slog.Error("memory.phase2_mark_failed_error", "error", markErr)
		}
		return false, fmt.Errorf("memory: select phase2 inputs: %w", err)
	}

	if err := s.Consolidate.ConsolidateGlobal(ctx, selection.Selected); err != nil {
		if _, markErr := s.Store.MarkGlobalPhase2JobFailed(token, err.Error(), s.Config.RetryDelaySeconds); markErr != nil {
			slog.Error("memory.phase2_mark_failed_error", "error", markErr)
		}
		return false, fmt.Errorf("memory: consolidate global: %w", err)
	}

	if _, err := s.Store.MarkGlobalPhase2JobSucceeded(token, inputWatermark, selection.Selected); err != nil {
		return true, fmt.Errorf("memory: mark global phase2 job succeeded: %w", err)
	}
	return true, nil
}

// StartCron checks Config.CronExpr every minute and runs
// RunGlobalConsolidation whenever the expression is due, until ctx is
// canceled. Errors from individual ticks are logged, not fatal — the next
// due tick tries again.
func (s *Scheduler) StartCron(ctx context.Context) error {
	if s.Config.CronExpr == "" {
		return fmt.Errorf("memory: no cron expression configured")
	}
	cron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := cron.IsDue(s.Config.CronExpr)
			if err != nil {
				slog.Error("memory.cron_expr_invalid", "expr", s.Config.CronExpr, "error", err)
				continue
			}
			if !due {
				continue
			}
			if _, err := s.RunGlobalConsolidation(ctx); err != nil {
				slog.Error("memory.global_consolidation_tick_failed", "error", err)
			}
		}
	}
}
