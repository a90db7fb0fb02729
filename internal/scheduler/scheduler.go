// Package scheduler turns unread candidates into durable trigger jobs,
// applying per-workspace backlog and rate-limit guards before any job is
// enqueued.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
	"github.com/dotcommander/orkiva/pkg/advisorycache"
)

// Result summarizes one scheduling pass.
type Result struct {
	Enqueued            int  `json:"enqueued"`
	SkippedPending       int  `json:"skipped_pending"`
	ReusedExisting       int  `json:"reused_existing"`
	SuppressedByBudget   int  `json:"suppressed_by_budget"`
	SuppressedByBreaker  int  `json:"suppressed_by_breaker"`
	BreakerOpen          bool `json:"breaker_open"`
	PendingJobs          int  `json:"pending_jobs"`
}

// Scheduler applies backlog-breaker and rate-limit guards to unread
// candidates and enqueues the survivors as trigger jobs.
type Scheduler struct {
	db    *sql.DB
	cache advisorycache.Cache

	maxTriggersPerWindow int
	window               time.Duration
	minInterval          time.Duration
	breakerBacklogThresh int
	breakerCooldown      time.Duration
}

// Config configures a Scheduler's guard thresholds, sourced from the
// AUTO_UNREAD_* environment family.
type Config struct {
	MaxTriggersPerWindow  int
	Window                time.Duration
	MinInterval           time.Duration
	BreakerBacklogThresh  int
	BreakerCooldown       time.Duration
}

// New returns a Scheduler backed by db and cache.
func New(db *sql.DB, cache advisorycache.Cache, cfg Config) *Scheduler {
	return &Scheduler{
		db:                   db,
		cache:                cache,
		maxTriggersPerWindow: cfg.MaxTriggersPerWindow,
		window:               cfg.Window,
		minInterval:          cfg.MinInterval,
		breakerBacklogThresh: cfg.BreakerBacklogThresh,
		breakerCooldown:      cfg.BreakerCooldown,
	}
}

// Schedule enqueues a TriggerJob for each surviving candidate in workspaceID,
// subject to the backlog breaker, the per-agent rate limit, and dedup against
// already-open jobs.
func (s *Scheduler) Schedule(ctx context.Context, workspaceID string, candidates []models.UnreadCandidate, triggerMaxRetries int, scheduledAt time.Time) (Result, error) {
	pendingJobs, err := store.CountPendingJobs(ctx, s.db, workspaceID)
	if err != nil {
		return Result{}, fmt.Errorf("count pending jobs: %w", err)
	}

	breaker := advisorycache.GetBreakerState(s.cache, workspaceID, scheduledAt)
	if !breaker.Open && pendingJobs >= s.breakerBacklogThresh {
		advisorycache.TripBreaker(s.cache, workspaceID, scheduledAt, s.breakerCooldown)
		breaker = advisorycache.BreakerState{Open: true, CooldownUntil: scheduledAt.Add(s.breakerCooldown)}
	}

	result := Result{PendingJobs: pendingJobs, BreakerOpen: breaker.Open}
	if breaker.Open {
		result.SuppressedByBreaker = len(candidates)
		return result, nil
	}

	for _, c := range candidates {
		count, lastTriggerAt := advisorycache.RecordTrigger(s.cache, workspaceID, c.ParticipantID, scheduledAt, s.window)
		tooSoon := !lastTriggerAt.IsZero() && scheduledAt.Sub(lastTriggerAt) < s.minInterval
		if count > s.maxTriggersPerWindow || tooSoon {
			result.SuppressedByBudget++
			continue
		}

		job := models.TriggerJob{
			ThreadID:      c.ThreadID,
			WorkspaceID:   workspaceID,
			TargetAgentID: c.ParticipantID,
			Reason:        c.Reason,
			Prompt:        renderPrompt(c),
			MaxRetries:    triggerMaxRetries,
			LatestSeq:     c.LatestSeq,
		}

		var (
			created      bool
			skipTerminal bool
		)
		err := store.Transact(ctx, s.db, func(tx *sql.Tx) error {
			terminal, err := store.LatestTerminalTriggerJobTx(tx, c.ThreadID, c.ParticipantID)
			if err != nil {
				return err
			}
			if terminal != nil && c.LatestSeq <= terminal.LatestSeq {
				skipTerminal = true
				return nil
			}
			_, wasCreated, err := store.EnqueueTriggerJobTx(tx, job, scheduledAt)
			if err != nil {
				return err
			}
			created = wasCreated
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("enqueue trigger job for %s/%s: %w", c.ThreadID, c.ParticipantID, err)
		}
		switch {
		case skipTerminal:
			result.SkippedPending++
		case created:
			result.Enqueued++
		default:
			result.ReusedExisting++
		}
	}

	return result, nil
}

func renderPrompt(c models.UnreadCandidate) string {
	return fmt.Sprintf(
		"You have %d unread message(s) in this thread (up to seq %d). Please review and respond.",
		c.UnreadCount, c.LatestSeq,
	)
}
