package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/idgen"
	"github.com/dotcommander/orkiva/internal/models"
)

// EnqueueTriggerJobTx creates a queued trigger job and reports whether it was
// newly created. If an open job already exists for (threadID,
// targetAgentID) — one whose status satisfies IsOpenForScheduling — that job
// is returned instead of enqueuing a duplicate (created=false), and its
// latestSeq is raised if the new candidate is fresher.
func EnqueueTriggerJobTx(tx *sql.Tx, job models.TriggerJob, now time.Time) (*models.TriggerJob, bool, error) {
	if job.ThreadID == "" || job.TargetAgentID == "" {
		return nil, false, errors.New("thread id and target agent id are required")
	}

	existing, err := findOpenTriggerJobTx(tx, job.ThreadID, job.TargetAgentID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if job.LatestSeq > existing.LatestSeq {
			if _, err := tx.ExecContext(context.Background(), `
				UPDATE trigger_jobs SET latest_seq = ?, updated_at = ? WHERE id = ?
			`, job.LatestSeq, now, existing.ID); err != nil {
				return nil, false, fmt.Errorf("raise existing trigger job latest_seq: %w", err)
			}
			existing.LatestSeq = job.LatestSeq
		}
		return existing, false, nil
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	id := idgen.New(idgen.PrefixTrigger)
	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO trigger_jobs (
			id, thread_id, workspace_id, target_agent_id, target_session_id,
			reason, prompt, status, attempts, max_retries, next_retry_at,
			triggering_lease_expires_at, latest_seq, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, NULL, ?, ?, ?)
	`, id, job.ThreadID, job.WorkspaceID, job.TargetAgentID, job.TargetSessionID,
		job.Reason, job.Prompt, string(models.TriggerStatusQueued), maxRetries, job.LatestSeq, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert trigger job: %w", err)
	}

	created, err := getTriggerJobByIDTx(tx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func findOpenTriggerJobTx(tx *sql.Tx, threadID, targetAgentID string) (*models.TriggerJob, error) {
	rows, err := tx.QueryContext(context.Background(), `
		SELECT id, thread_id, workspace_id, target_agent_id, target_session_id,
		       reason, prompt, status, attempts, max_retries, next_retry_at,
		       triggering_lease_expires_at, latest_seq, created_at, updated_at
		FROM trigger_jobs
		WHERE thread_id = ? AND target_agent_id = ?
		ORDER BY created_at DESC
	`, threadID, targetAgentID)
	if err != nil {
		return nil, fmt.Errorf("query existing trigger jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		job, err := scanTriggerJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger job row: %w", err)
		}
		if job.Status.IsOpenForScheduling() {
			return job, nil
		}
	}
	return nil, rows.Err()
}

// LatestTerminalTriggerJobTx returns the most recent terminal (delivered or
// callback_delivered) job for (threadID, targetAgentID), or nil if none
// exists. The scheduler uses this to avoid re-triggering a participant who
// already received and completed a delivery for messages up to that job's
// latestSeq.
func LatestTerminalTriggerJobTx(tx *sql.Tx, threadID, targetAgentID string) (*models.TriggerJob, error) {
	rows, err := tx.QueryContext(context.Background(), `
		SELECT id, thread_id, workspace_id, target_agent_id, target_session_id,
		       reason, prompt, status, attempts, max_retries, next_retry_at,
		       triggering_lease_expires_at, latest_seq, created_at, updated_at
		FROM trigger_jobs
		WHERE thread_id = ? AND target_agent_id = ? AND status IN (?, ?)
		ORDER BY latest_seq DESC
		LIMIT 1
	`, threadID, targetAgentID, string(models.TriggerStatusDelivered), string(models.TriggerStatusCallbackDelivered))
	if err != nil {
		return nil, fmt.Errorf("query terminal trigger job: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if rows.Next() {
		return scanTriggerJobRow(rows)
	}
	return nil, rows.Err()
}

// ClaimNextTriggerJobTx claims the next due trigger job in workspaceID for a
// worker, scanning candidates in (next_retry_at, created_at) order and
// retrying past contention up to 5 times before giving up. minCreatedAt, if
// non-nil, excludes jobs created before it (a one-time backfill guard).
// Returns (nil, nil) both when no due job exists and when every candidate
// seen was claimed by a competing worker within the retry budget — the
// caller should simply try again on its next pass rather than treat
// contention as a hard failure.
func ClaimNextTriggerJobTx(tx *sql.Tx, workspaceID, workerID string, leaseDuration time.Duration, minCreatedAt *time.Time, now time.Time) (*models.TriggerJob, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if leaseDuration <= 0 {
		leaseDuration = 45 * time.Second
	}
	leaseExpiry := now.Add(leaseDuration)

	for range 5 {
		var candidateID string
		err := tx.QueryRowContext(context.Background(), `
			SELECT id FROM trigger_jobs
			WHERE workspace_id = ? AND (? IS NULL OR created_at >= ?) AND (
				(status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
				OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
				OR (status IN (?, ?, ?) AND triggering_lease_expires_at IS NOT NULL AND triggering_lease_expires_at <= ?)
			)
			ORDER BY COALESCE(next_retry_at, created_at) ASC
			LIMIT 1
		`, workspaceID, minCreatedAt, minCreatedAt,
			string(models.TriggerStatusQueued), now,
			string(models.TriggerStatusDeferred), now,
			string(models.TriggerStatusTriggering), string(models.TriggerStatusCallbackPending), string(models.TriggerStatusCallbackRetry), now,
		).Scan(&candidateID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select trigger job candidate: %w", err)
		}

		// status is only forced to "triggering" for queued/deferred jobs
		// claimed into the delivery pipeline; a callback_pending/callback_retry
		// job reclaimed via expired-lease recovery keeps its callback status so
		// the caller can tell the two pipelines apart after the claim.
		result, err := tx.ExecContext(context.Background(), `
			UPDATE trigger_jobs
			SET status = CASE WHEN status IN (?, ?) THEN status ELSE ? END,
			    attempts = attempts + 1,
			    triggering_lease_expires_at = ?, next_retry_at = NULL, updated_at = ?
			WHERE id = ? AND (
				(status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
				OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
				OR (status IN (?, ?, ?) AND triggering_lease_expires_at IS NOT NULL AND triggering_lease_expires_at <= ?)
			)
		`, string(models.TriggerStatusCallbackPending), string(models.TriggerStatusCallbackRetry), string(models.TriggerStatusTriggering),
			leaseExpiry, now, candidateID,
			string(models.TriggerStatusQueued), now,
			string(models.TriggerStatusDeferred), now,
			string(models.TriggerStatusTriggering), string(models.TriggerStatusCallbackPending), string(models.TriggerStatusCallbackRetry), now,
		)
		if err != nil {
			return nil, fmt.Errorf("claim trigger job: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim rows affected: %w", err)
		}
		if rowsAffected == 0 {
			// another worker claimed candidateID between the SELECT and the UPDATE
			continue
		}

		return getTriggerJobByIDTx(tx, candidateID)
	}

	return nil, nil
}

// SetTriggerJobStatusTx transitions a claimed job to a new status. Used for
// terminal outcomes (delivered, failed, callback_delivered, callback_failed)
// and non-terminal hops (fallback_resume, fallback_spawn, callback_pending).
func SetTriggerJobStatusTx(tx *sql.Tx, jobID string, status models.TriggerStatus, now time.Time) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE trigger_jobs SET status = ?, triggering_lease_expires_at = NULL, updated_at = ? WHERE id = ?
	`, string(status), now, jobID)
	if err != nil {
		return fmt.Errorf("set trigger job status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("trigger job not found: %s", jobID)
	}
	return nil
}

// EnqueueCallbackTx transitions a job to callback_pending with its lease
// already expired, so the claim protocol picks it up for the callback
// poster on the very next pass rather than waiting out a fresh lease window.
func EnqueueCallbackTx(tx *sql.Tx, jobID string, now time.Time) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE trigger_jobs
		SET status = ?, triggering_lease_expires_at = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ?
	`, string(models.TriggerStatusCallbackPending), now, now, jobID)
	if err != nil {
		return fmt.Errorf("enqueue callback: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("trigger job not found: %s", jobID)
	}
	return nil
}

// DeferTriggerJobTx releases a claim and schedules a retry at nextRetryAt,
// e.g. after a retryable delivery failure or an ack timeout.
func DeferTriggerJobTx(tx *sql.Tx, jobID string, nextRetryAt, now time.Time) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE trigger_jobs
		SET status = ?, triggering_lease_expires_at = NULL, next_retry_at = ?, updated_at = ?
		WHERE id = ?
	`, string(models.TriggerStatusDeferred), nextRetryAt, now, jobID)
	if err != nil {
		return fmt.Errorf("defer trigger job: %w", err)
	}
	return nil
}

// DeferCallbackTx transitions a job to callback_retry, leaving its lease set
// to nextRetryAt so the claim protocol's expired-lease recovery branch picks
// it back up once due — the same mechanism EnqueueCallbackTx uses to make a
// freshly-pending callback immediately claimable.
func DeferCallbackTx(tx *sql.Tx, jobID string, nextRetryAt, now time.Time) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE trigger_jobs
		SET status = ?, triggering_lease_expires_at = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ?
	`, string(models.TriggerStatusCallbackRetry), nextRetryAt, now, jobID)
	if err != nil {
		return fmt.Errorf("defer callback: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("trigger job not found: %s", jobID)
	}
	return nil
}

// RetryTriggerJobTx releases a claim and schedules a retry after exhausting
// the current delivery attempt. It leaves attempts unchanged; the next claim
// increments it toward max_retries.
func RetryTriggerJobTx(tx *sql.Tx, jobID string, nextRetryAt, now time.Time) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE trigger_jobs
		SET status = ?, triggering_lease_expires_at = NULL, next_retry_at = ?, updated_at = ?
		WHERE id = ?
	`, string(models.TriggerStatusQueued), nextRetryAt, now, jobID)
	if err != nil {
		return fmt.Errorf("retry trigger job: %w", err)
	}
	return nil
}

func getTriggerJobByIDTx(tx *sql.Tx, id string) (*models.TriggerJob, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT id, thread_id, workspace_id, target_agent_id, target_session_id,
		       reason, prompt, status, attempts, max_retries, next_retry_at,
		       triggering_lease_expires_at, latest_seq, created_at, updated_at
		FROM trigger_jobs WHERE id = ?
	`, id)
	job, err := scanTriggerJobRowScanner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trigger job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query trigger job: %w", err)
	}
	return job, nil
}

// GetTriggerJob returns a trigger job by ID.
func GetTriggerJob(ctx context.Context, db *sql.DB, id string) (*models.TriggerJob, error) {
	var job *models.TriggerJob
	err := RetryWithBackoff(ctx, func() error {
		row := db.QueryRowContext(ctx, `
			SELECT id, thread_id, workspace_id, target_agent_id, target_session_id,
			       reason, prompt, status, attempts, max_retries, next_retry_at,
			       triggering_lease_expires_at, latest_seq, created_at, updated_at
			FROM trigger_jobs WHERE id = ?
		`, id)
		j, err := scanTriggerJobRowScanner(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trigger job not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListTriggerJobsByThread returns trigger jobs for a thread, newest first,
// capped at limit. Used by inspect-thread for operator visibility into the
// full attempt history without guessing job IDs.
func ListTriggerJobsByThread(ctx context.Context, db *sql.DB, threadID string, limit int) ([]*models.TriggerJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*models.TriggerJob
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, thread_id, workspace_id, target_agent_id, target_session_id,
			       reason, prompt, status, attempts, max_retries, next_retry_at,
			       triggering_lease_expires_at, latest_seq, created_at, updated_at
			FROM trigger_jobs
			WHERE thread_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, threadID, limit)
		if err != nil {
			return fmt.Errorf("query trigger jobs by thread: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.TriggerJob, 0)
		for rows.Next() {
			job, err := scanTriggerJobRow(rows)
			if err != nil {
				return fmt.Errorf("scan trigger job row: %w", err)
			}
			out = append(out, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountPendingJobs returns the number of trigger jobs in workspaceID that are
// still open for scheduling (not yet in a terminal status), the backlog
// figure the scheduler's breaker trips on.
func CountPendingJobs(ctx context.Context, db *sql.DB, workspaceID string) (int, error) {
	var count int
	err := RetryWithBackoff(ctx, func() error {
		return db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM trigger_jobs
			WHERE workspace_id = ? AND status IN (?, ?, ?, ?, ?, ?, ?)
		`, workspaceID,
			string(models.TriggerStatusQueued), string(models.TriggerStatusTriggering),
			string(models.TriggerStatusDeferred), string(models.TriggerStatusFallbackResume),
			string(models.TriggerStatusFallbackSpawn), string(models.TriggerStatusCallbackPending),
			string(models.TriggerStatusCallbackRetry),
		).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return count, nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTriggerJobRow(rows *sql.Rows) (*models.TriggerJob, error) {
	return scanTriggerJobRowScanner(rows)
}

func scanTriggerJobRowScanner(r rowScanner) (*models.TriggerJob, error) {
	var (
		job            models.TriggerJob
		targetSession  sql.NullString
		nextRetryAt    sql.NullTime
		leaseExpiresAt sql.NullTime
	)
	err := r.Scan(
		&job.ID, &job.ThreadID, &job.WorkspaceID, &job.TargetAgentID, &targetSession,
		&job.Reason, &job.Prompt, &job.Status, &job.Attempts, &job.MaxRetries, &nextRetryAt,
		&leaseExpiresAt, &job.LatestSeq, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.TargetSessionID = targetSession.String
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		job.NextRetryAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		job.TriggeringLeaseExpiresAt = &t
	}
	return &job, nil
}
