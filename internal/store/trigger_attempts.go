package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/idgen"
	"github.com/dotcommander/orkiva/internal/models"
)

// AppendTriggerAttemptTx records one append-only attempt row. attemptNo
// should match the trigger job's post-claim attempts counter so the two
// stay aligned for auditing.
func AppendTriggerAttemptTx(tx *sql.Tx, triggerID string, attemptNo int, result, errorCode, details string, now time.Time) (*models.TriggerAttempt, error) {
	id := idgen.New(idgen.PrefixAttempt)
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO trigger_attempts (id, trigger_id, attempt_no, result, error_code, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, triggerID, attemptNo, result, errorCode, details, now)
	if err != nil {
		return nil, fmt.Errorf("insert trigger attempt: %w", err)
	}
	return &models.TriggerAttempt{
		ID: id, TriggerID: triggerID, AttemptNo: attemptNo,
		Result: result, ErrorCode: errorCode, Details: details, CreatedAt: now,
	}, nil
}

// LatestDeliveryOutcome returns the most recent non-callback attempt result
// recorded for triggerID (e.g. "delivered", "fallback_resume_succeeded",
// "timed_out"), so the callback poster can render trigger_outcome for a job
// reclaimed from callback_pending/callback_retry without the caller having
// to carry that string across a process restart.
func LatestDeliveryOutcome(ctx context.Context, db *sql.DB, triggerID string) (string, error) {
	var result string
	err := RetryWithBackoff(ctx, func() error {
		err := db.QueryRowContext(ctx, `
			SELECT result FROM trigger_attempts
			WHERE trigger_id = ? AND result NOT LIKE 'callback_%'
			ORDER BY attempt_no DESC LIMIT 1
		`, triggerID).Scan(&result)
		if err == sql.ErrNoRows {
			result = ""
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("query latest delivery outcome: %w", err)
	}
	return result, nil
}

// ListTriggerAttempts returns every attempt recorded for a job, oldest first.
func ListTriggerAttempts(ctx context.Context, db *sql.DB, triggerID string) ([]*models.TriggerAttempt, error) {
	var out []*models.TriggerAttempt
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, trigger_id, attempt_no, result, error_code, details, created_at
			FROM trigger_attempts WHERE trigger_id = ?
			ORDER BY attempt_no ASC
		`, triggerID)
		if err != nil {
			return fmt.Errorf("query trigger attempts: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.TriggerAttempt, 0)
		for rows.Next() {
			var a models.TriggerAttempt
			if err := rows.Scan(&a.ID, &a.TriggerID, &a.AttemptNo, &a.Result, &a.ErrorCode, &a.Details, &a.CreatedAt); err != nil {
				return fmt.Errorf("scan trigger attempt row: %w", err)
			}
			out = append(out, &a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
