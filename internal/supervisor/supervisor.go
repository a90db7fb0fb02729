// Package supervisor orchestrates one tick of the trigger pipeline for a
// single workspace: age out stale runtime sessions, reconcile unread
// dormant participants into trigger candidates, schedule them as durable
// jobs, then drain the due-job queue (delivery, fallback, callback) and
// reap fallback runs that outlived their expected lifetime. Every sub-call
// in a tick shares one tickAt so the whole pass is one logical observation
// window.
package supervisor

import (
	"context"
	"time"

	"github.com/dotcommander/orkiva/internal/registry"
	"github.com/dotcommander/orkiva/internal/scheduler"
	"github.com/dotcommander/orkiva/internal/unread"
	"github.com/dotcommander/orkiva/internal/worker"
)

// Options parameterizes one RunTick call. WorkspaceID and TickAt are
// required. StaleAfterHours, TriggerMaxRetries, and MaxJobsPerTick fall back
// to the Supervisor's constructor defaults when zero or negative;
// AutoUnreadEnabled and IncludeClosedThreads are used as given.
type Options struct {
	WorkspaceID          string
	StaleAfterHours      int
	TriggerMaxRetries    int
	MaxJobsPerTick       int
	AutoUnreadEnabled    bool
	IncludeClosedThreads bool
	TickAt               time.Time
}

// TickStats aggregates every sub-component's stats for one tick, in the
// order C2 -> C5 -> C6 -> C7 ran.
type TickStats struct {
	WorkspaceID string    `json:"workspace_id"`
	TickAt      time.Time `json:"tick_at"`

	RuntimeReconciliation registry.ReconcileStats `json:"runtime_reconciliation"`

	AutoUnreadEnabled bool              `json:"auto_unread_enabled"`
	Unread            *unread.Stats     `json:"unread,omitempty"`
	Scheduling        *scheduler.Result `json:"scheduling,omitempty"`

	Queue             worker.Stats                  `json:"queue"`
	FallbackReconcile worker.FallbackReconcileStats `json:"fallback_reconcile"`
}

// Config bundles the tick-level tuning knobs a Supervisor falls back to
// when a RunTick call's Options leaves them at zero. AutoUnreadEnabled is
// stored, but RunTick reads that flag from Options alone.
type Config struct {
	StaleAfterHours   int
	TriggerMaxRetries int
	MaxJobsPerTick    int
	AutoUnreadEnabled bool
}

// Supervisor wires the runtime registry, unread reconciler, scheduler, and
// queue worker into one per-tick entry point. It holds no state of its own
// beyond its collaborators: every tick's outcome is fully determined by the
// store and the tickAt it is given.
type Supervisor struct {
	registry  *registry.Registry
	unread    *unread.Reconciler
	scheduler *scheduler.Scheduler
	worker    *worker.Worker

	staleAfterHours   int
	triggerMaxRetries int
	maxJobsPerTick    int
	autoUnreadEnabled bool
}

// New returns a Supervisor wired to its collaborators, defaulting any
// per-tick knob left unset in cfg.
func New(reg *registry.Registry, unreadReconciler *unread.Reconciler, sched *scheduler.Scheduler, w *worker.Worker, cfg Config) *Supervisor {
	if cfg.MaxJobsPerTick <= 0 {
		cfg.MaxJobsPerTick = 10
	}
	return &Supervisor{
		registry:          reg,
		unread:            unreadReconciler,
		scheduler:         sched,
		worker:            w,
		staleAfterHours:   cfg.StaleAfterHours,
		triggerMaxRetries: cfg.TriggerMaxRetries,
		maxJobsPerTick:    cfg.MaxJobsPerTick,
		autoUnreadEnabled: cfg.AutoUnreadEnabled,
	}
}

// RunTick executes one supervisor pass for opts.WorkspaceID:
//  1. Always age stale runtime sessions (C2).
//  2. If auto-unread is enabled, reconcile unread dormant participants into
//     candidates (C5) and schedule them as trigger jobs (C6); scheduling
//     also reports the workspace's current pending-job count.
//  3. Always drain due trigger jobs (C7 ProcessDueJobs, which also routes
//     callback_pending/callback_retry jobs through the callback poster) and
//     reap fallback runs that outlived their expected lifetime.
//
// All sub-calls share opts.TickAt so the whole pass is one logical
// observation window. A failure partway through still returns whatever
// stats were gathered before it, wrapped in the returned error.
func (s *Supervisor) RunTick(ctx context.Context, opts Options) (TickStats, error) {
	staleAfterHours := opts.StaleAfterHours
	if staleAfterHours <= 0 {
		staleAfterHours = s.staleAfterHours
	}
	triggerMaxRetries := opts.TriggerMaxRetries
	if triggerMaxRetries <= 0 {
		triggerMaxRetries = s.triggerMaxRetries
	}
	maxJobsPerTick := opts.MaxJobsPerTick
	if maxJobsPerTick <= 0 {
		maxJobsPerTick = s.maxJobsPerTick
	}
	autoUnreadEnabled := opts.AutoUnreadEnabled

	stats := TickStats{
		WorkspaceID:       opts.WorkspaceID,
		TickAt:            opts.TickAt,
		AutoUnreadEnabled: autoUnreadEnabled,
	}

	runtimeStats, err := s.registry.ReconcileWorkspaceRuntimes(ctx, opts.WorkspaceID, staleAfterHours, opts.TickAt)
	if err != nil {
		return stats, err
	}
	stats.RuntimeReconciliation = runtimeStats

	if autoUnreadEnabled {
		unreadResult, err := s.unread.Reconcile(ctx, opts.WorkspaceID, staleAfterHours, opts.IncludeClosedThreads, opts.TickAt)
		if err != nil {
			return stats, err
		}
		stats.Unread = &unreadResult.Stats

		schedResult, err := s.scheduler.Schedule(ctx, opts.WorkspaceID, unreadResult.Candidates, triggerMaxRetries, opts.TickAt)
		if err != nil {
			return stats, err
		}
		stats.Scheduling = &schedResult
	}

	queueStats, err := s.worker.ProcessDueJobs(ctx, opts.WorkspaceID, maxJobsPerTick, opts.TickAt)
	if err != nil {
		return stats, err
	}
	stats.Queue = queueStats

	fbStats, err := s.worker.ReconcileFallbackRuns(ctx, opts.WorkspaceID, maxJobsPerTick, opts.TickAt)
	if err != nil {
		return stats, err
	}
	stats.FallbackReconcile = fbStats

	return stats, nil
}
