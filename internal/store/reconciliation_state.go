package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
)

// GetReconciliationState returns the last-notified frontier for (threadID,
// agentID), or nil if unread reconciliation has never fired a trigger for
// that pair.
func GetReconciliationState(ctx context.Context, db *sql.DB, threadID, agentID string) (*models.ReconciliationState, error) {
	var s models.ReconciliationState
	err := RetryWithBackoff(ctx, func() error {
		return db.QueryRowContext(ctx, `
			SELECT thread_id, agent_id, last_notified_seq, notified_at
			FROM reconciliation_state WHERE thread_id = ? AND agent_id = ?
		`, threadID, agentID).Scan(&s.ThreadID, &s.AgentID, &s.LastNotifiedSeq, &s.NotifiedAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reconciliation state: %w", err)
	}
	return &s, nil
}

// GetReconciliationStateTx is GetReconciliationState run inside an existing
// transaction, so unread reconciliation can read the latch and write it back
// (via LatchReconciliationStateTx) as one atomic step per candidate.
func GetReconciliationStateTx(tx *sql.Tx, threadID, agentID string) (*models.ReconciliationState, error) {
	var s models.ReconciliationState
	err := tx.QueryRowContext(context.Background(), `
		SELECT thread_id, agent_id, last_notified_seq, notified_at
		FROM reconciliation_state WHERE thread_id = ? AND agent_id = ?
	`, threadID, agentID).Scan(&s.ThreadID, &s.AgentID, &s.LastNotifiedSeq, &s.NotifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reconciliation state: %w", err)
	}
	return &s, nil
}

// LatchReconciliationStateTx records the frontier just notified so the next
// reconciliation pass does not re-trigger for the same unread messages. Only
// advances forward: a lower seq than what's recorded is a caller bug and is
// silently ignored rather than regressing the latch.
func LatchReconciliationStateTx(tx *sql.Tx, threadID, agentID string, seq int64, now time.Time) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO reconciliation_state (thread_id, agent_id, last_notified_seq, notified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id, agent_id) DO UPDATE SET
			last_notified_seq = excluded.last_notified_seq,
			notified_at = excluded.notified_at
		WHERE excluded.last_notified_seq > reconciliation_state.last_notified_seq
	`, threadID, agentID, seq, now)
	if err != nil {
		return fmt.Errorf("latch reconciliation state: %w", err)
	}
	return nil
}
