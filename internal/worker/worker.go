// Package worker claims due trigger jobs, drives each through delivery (and,
// on failure, fallback) to a terminal or callback-pending status, and
// reconciles fallback-launched processes that outlive their expected runtime.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/orkiva/internal/callback"
	"github.com/dotcommander/orkiva/internal/fallback"
	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/pty"
	"github.com/dotcommander/orkiva/internal/registry"
	"github.com/dotcommander/orkiva/internal/store"
)

// Config tunes claim leasing, ack polling, backoff, and fallback-run reaping.
type Config struct {
	MaxParallelJobs      int
	AckTimeout           time.Duration
	AckPollInterval      time.Duration
	TriggeringLeaseTime  time.Duration
	Recheck              time.Duration
	MaxDefer             time.Duration
	MinJobCreatedAt      *time.Time
	MaxPayloadBytes      int
	FallbackExecTimeout  time.Duration
	FallbackKillGrace    time.Duration
	FallbackMaxActiveAll int
	FallbackMaxActiveOne int
}

// Stats summarizes one ProcessDueJobs call.
type Stats struct {
	Claimed          int      `json:"claimed"`
	Delivered        int      `json:"delivered"`
	Deferred         int      `json:"deferred"`
	FallbackResumed  int      `json:"fallback_resumed"`
	FallbackSpawned  int      `json:"fallback_spawned"`
	CallbackQueued   int      `json:"callback_queued"`
	CallbackPosted   int      `json:"callback_posted"`
	CallbackRetried  int      `json:"callback_retried"`
	CallbackFailed   int      `json:"callback_failed"`
	Failed           int      `json:"failed"`
	DeadLetterJobIDs []string `json:"dead_letter_job_ids,omitempty"`
}

// FallbackReconcileStats summarizes one ReconcileFallbackRuns call.
type FallbackReconcileStats struct {
	Scanned  int `json:"scanned"`
	TimedOut int `json:"timed_out"`
	Killed   int `json:"killed"`
	Orphaned int `json:"orphaned"`
}

// Worker drives the trigger-job queue: claim, deliver, fall back, or callback.
type Worker struct {
	db       *sql.DB
	registry *registry.Registry
	delivery *pty.Adapter
	fallback *fallback.Executor
	callback *callback.Poster
	cfg      Config
	workerID string
}

// New returns a Worker. workerID must be non-empty: the claim protocol
// rejects an empty one. It is not written to the store.
func New(db *sql.DB, reg *registry.Registry, delivery *pty.Adapter, fb *fallback.Executor, cb *callback.Poster, cfg Config, workerID string) *Worker {
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = 10
	}
	if cfg.AckPollInterval <= 0 {
		cfg.AckPollInterval = 250 * time.Millisecond
	}
	return &Worker{db: db, registry: reg, delivery: delivery, fallback: fb, callback: cb, cfg: cfg, workerID: workerID}
}

// ProcessDueJobs claims up to limit due jobs and drives each through the
// attempt pipeline, fanning claimed jobs out across up to MaxParallelJobs
// goroutines. Each job is owned by exactly one goroutine for its whole
// attempt: the claim protocol already rules out two workers touching the
// same row.
func (w *Worker) ProcessDueJobs(ctx context.Context, workspaceID string, limit int, processedAt time.Time) (Stats, error) {
	jobs, err := w.claimBatch(ctx, workspaceID, limit, processedAt)
	if err != nil {
		return Stats{}, err
	}
	if len(jobs) == 0 {
		return Stats{}, nil
	}

	var (
		stats   Stats
		results = make([]jobOutcome, len(jobs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxParallelJobs)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if job.Status == models.TriggerStatusCallbackPending || job.Status == models.TriggerStatusCallbackRetry {
				results[i] = w.processCallback(gctx, job, processedAt)
				return nil
			}
			results[i] = w.processJob(gctx, job, processedAt)
			return nil
		})
	}
	tickErr := g.Wait()

	stats.Claimed = len(jobs)
	for _, r := range results {
		if r.err != nil {
			tickErr = multierr.Append(tickErr, fmt.Errorf("job %s: %w", r.jobID, r.err))
		}
		switch r.kind {
		case outcomeDelivered:
			stats.Delivered++
			stats.CallbackQueued++
		case outcomeDeferred:
			stats.Deferred++
		case outcomeFallbackResumed:
			stats.FallbackResumed++
			stats.CallbackQueued++
		case outcomeFallbackSpawned:
			stats.FallbackSpawned++
			stats.CallbackQueued++
		case outcomeFailed:
			stats.Failed++
			stats.DeadLetterJobIDs = append(stats.DeadLetterJobIDs, r.jobID)
		case outcomeCallbackPosted:
			stats.CallbackPosted++
		case outcomeCallbackRetried:
			stats.CallbackRetried++
		case outcomeCallbackFailed:
			stats.CallbackFailed++
		}
	}
	return stats, tickErr
}

// processCallback drives one job reclaimed from callback_pending/
// callback_retry through the callback poster, reconstructing the
// trigger_outcome string it posts from the latest recorded delivery attempt
// so this works whether the job was just enqueued or recovered after a
// worker crash lost its in-memory outcome.
func (w *Worker) processCallback(ctx context.Context, job *models.TriggerJob, now time.Time) jobOutcome {
	outcome, err := store.LatestDeliveryOutcome(ctx, w.db, job.ID)
	if err != nil || outcome == "" {
		outcome = string(job.Status)
	}
	if err := w.callback.PostOne(ctx, job, outcome, now); err != nil {
		return jobOutcome{jobID: job.ID, kind: outcomeCallbackFailed, err: err}
	}
	updated, err := store.GetTriggerJob(ctx, w.db, job.ID)
	if err != nil || updated == nil {
		return jobOutcome{jobID: job.ID, kind: outcomeCallbackFailed, err: err}
	}
	switch updated.Status {
	case models.TriggerStatusCallbackDelivered:
		return jobOutcome{jobID: job.ID, kind: outcomeCallbackPosted}
	case models.TriggerStatusCallbackRetry:
		return jobOutcome{jobID: job.ID, kind: outcomeCallbackRetried}
	default:
		return jobOutcome{jobID: job.ID, kind: outcomeCallbackFailed}
	}
}

func (w *Worker) claimBatch(ctx context.Context, workspaceID string, limit int, now time.Time) ([]*models.TriggerJob, error) {
	var jobs []*models.TriggerJob
	for i := 0; i < limit; i++ {
		var job *models.TriggerJob
		err := store.Transact(ctx, w.db, func(tx *sql.Tx) error {
			j, err := store.ClaimNextTriggerJobTx(tx, workspaceID, w.workerID, w.cfg.TriggeringLeaseTime, w.cfg.MinJobCreatedAt, now)
			if err != nil {
				return err
			}
			job = j
			return nil
		})
		if err != nil {
			return jobs, fmt.Errorf("claim trigger job: %w", err)
		}
		if job == nil {
			break
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

type outcomeKind int

const (
	outcomeDelivered outcomeKind = iota
	outcomeDeferred
	outcomeFallbackResumed
	outcomeFallbackSpawned
	outcomeFailed
	outcomeCallbackPosted
	outcomeCallbackRetried
	outcomeCallbackFailed
)

type jobOutcome struct {
	jobID string
	kind  outcomeKind
	err   error
}

// processJob drives one claimed job through delivery, ack-wait, and — on
// failure or ack timeout — fallback, recording an attempt row for whatever
// happens and leaving the job in its next status.
func (w *Worker) processJob(ctx context.Context, job *models.TriggerJob, attemptStartedAt time.Time) jobOutcome {
	session, _ := w.registry.Get(ctx, job.TargetAgentID, job.WorkspaceID)
	if session == nil {
		return w.fallbackOutcome(ctx, job, "NO_SESSION", attemptStartedAt)
	}

	deliverResult, err := w.delivery.Deliver(ctx, pty.DeliverRequest{
		Runtime:   session.Runtime,
		TriggerID: job.ID,
		ThreadID:  job.ThreadID,
		Reason:    job.Reason,
		Prompt:    job.Prompt,
	}, w.cfg.MaxPayloadBytes)
	if err != nil {
		return w.fallbackOutcome(ctx, job, "DELIVERY_ERROR", attemptStartedAt)
	}

	if !deliverResult.Delivered {
		if isRetryableDeliveryCode(deliverResult.ErrorCode) && job.Attempts < job.MaxRetries {
			return w.deferOutcome(ctx, job, deliverResult.ErrorCode, attemptStartedAt)
		}
		return w.fallbackOutcome(ctx, job, deliverResult.ErrorCode, attemptStartedAt)
	}

	if w.waitForAck(ctx, job, attemptStartedAt) {
		return w.deliveredOutcome(ctx, job, attemptStartedAt)
	}

	if job.Attempts < job.MaxRetries {
		return w.deferOutcome(ctx, job, "ACK_TIMEOUT", attemptStartedAt)
	}
	return w.fallbackOutcome(ctx, job, "ACK_TIMEOUT", attemptStartedAt)
}

// waitForAck polls for a new event message from the target agent created at
// or after attemptStartedAt, up to AckTimeout.
func (w *Worker) waitForAck(ctx context.Context, job *models.TriggerJob, attemptStartedAt time.Time) bool {
	deadline := attemptStartedAt.Add(w.cfg.AckTimeout)
	ticker := time.NewTicker(w.cfg.AckPollInterval)
	defer ticker.Stop()

	for {
		messages, err := store.ListMessagesSince(ctx, w.db, job.ThreadID, job.LatestSeq-1, 100)
		if err == nil {
			for _, m := range messages {
				if m.SenderAgentID == job.TargetAgentID && m.Kind == models.MessageKindEvent && !m.CreatedAt.Before(attemptStartedAt) {
					return true
				}
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (w *Worker) deliveredOutcome(ctx context.Context, job *models.TriggerJob, now time.Time) jobOutcome {
	err := store.Transact(ctx, w.db, func(tx *sql.Tx) error {
		if _, err := store.AppendTriggerAttemptTx(tx, job.ID, job.Attempts, "delivered", "", "", now); err != nil {
			return err
		}
		return store.EnqueueCallbackTx(tx, job.ID, now)
	})
	return jobOutcome{jobID: job.ID, kind: outcomeDelivered, err: err}
}

func (w *Worker) deferOutcome(ctx context.Context, job *models.TriggerJob, errorCode string, now time.Time) jobOutcome {
	nextRetryAt := now.Add(backoff(job.Attempts, w.cfg.Recheck, w.cfg.MaxDefer))
	err := store.Transact(ctx, w.db, func(tx *sql.Tx) error {
		if _, err := store.AppendTriggerAttemptTx(tx, job.ID, job.Attempts, "deferred", errorCode, "", now); err != nil {
			return err
		}
		return store.DeferTriggerJobTx(tx, job.ID, nextRetryAt, now)
	})
	return jobOutcome{jobID: job.ID, kind: outcomeDeferred, err: err}
}

func (w *Worker) fallbackOutcome(ctx context.Context, job *models.TriggerJob, errorCode string, now time.Time) jobOutcome {
	outcome := w.fallback.Resolve(ctx, job, job.Prompt, errorCode, now)

	err := store.Transact(ctx, w.db, func(tx *sql.Tx) error {
		if _, err := store.AppendTriggerAttemptTx(tx, job.ID, job.Attempts, string(outcome.AttemptResult), outcome.ErrorCode, detailsString(outcome.Details), now); err != nil {
			return err
		}
		if outcome.Pid != 0 {
			if _, err := store.StartTriggerFallbackRunTx(tx, job.ID, outcome.LaunchMode, outcome.Pid, now); err != nil {
				return err
			}
		}
		return store.SetTriggerJobStatusTx(tx, job.ID, outcome.NextStatus, now)
	})

	switch outcome.NextStatus {
	case models.TriggerStatusFallbackResume:
		return jobOutcome{jobID: job.ID, kind: outcomeFallbackResumed, err: err}
	case models.TriggerStatusFallbackSpawn:
		return jobOutcome{jobID: job.ID, kind: outcomeFallbackSpawned, err: err}
	default:
		return jobOutcome{jobID: job.ID, kind: outcomeFailed, err: err}
	}
}

func detailsString(d map[string]string) string {
	if len(d) == 0 {
		return ""
	}
	out := ""
	for k, v := range d {
		if out != "" {
			out += ","
		}
		out += k + "=" + v
	}
	return out
}

// backoff computes the exponential, capped, jittered retry delay for the
// given attempt count: min(maxDefer, recheck*2^(attempts-1)), jittered ±20%.
func backoff(attempts int, recheck, maxDefer time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := recheck
	for i := 1; i < attempts && d < maxDefer; i++ {
		d *= 2
	}
	if d > maxDefer {
		d = maxDefer
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

func isRetryableDeliveryCode(code string) bool {
	switch code {
	case "PANE_DEAD", "SEND_KEYS_ERROR":
		return true
	default:
		return false
	}
}

// ReconcileFallbackRuns sweeps fallback-launched processes that have
// outlived FallbackExecTimeout: it attempts a graceful kill, waits
// FallbackKillGrace, then sends SIGKILL, classifying each as timed out,
// killed, or already gone (orphaned).
func (w *Worker) ReconcileFallbackRuns(ctx context.Context, workspaceID string, limit int, processedAt time.Time) (FallbackReconcileStats, error) {
	runs, err := store.ListUnfinishedFallbackRuns(ctx, w.db, processedAt.Add(-w.cfg.FallbackExecTimeout))
	if err != nil {
		return FallbackReconcileStats{}, fmt.Errorf("list unfinished fallback runs: %w", err)
	}

	var stats FallbackReconcileStats
	for i, run := range runs {
		if limit > 0 && i >= limit {
			break
		}
		stats.Scanned++
		outcome := killProcess(run.Pid, w.cfg.FallbackKillGrace)
		switch outcome {
		case "killed":
			stats.Killed++
		case "orphaned":
			stats.Orphaned++
		default:
			stats.TimedOut++
		}

		if err := store.Transact(ctx, w.db, func(tx *sql.Tx) error {
			if err := store.FinishTriggerFallbackRunTx(tx, run.ID, outcome, processedAt); err != nil {
				return err
			}
			return store.EnqueueCallbackTx(tx, run.TriggerID, processedAt)
		}); err != nil {
			return stats, fmt.Errorf("finish fallback run %s: %w", run.ID, err)
		}
	}
	return stats, nil
}

// killProcess sends SIGTERM, waits grace, then SIGKILL. It reports
// "orphaned" if the process was already gone, "killed" if SIGKILL was
// needed, or "timed_out" if SIGTERM alone reaped it.
func killProcess(pid int, grace time.Duration) string {
	if pid <= 0 {
		return "orphaned"
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return "orphaned"
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return "orphaned"
	}
	time.Sleep(grace)
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return "timed_out"
	}
	_ = proc.Signal(syscall.SIGKILL)
	return "killed"
}
