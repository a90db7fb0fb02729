package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
)

// GetParticipantCursor returns an agent's read cursor for a thread, or a
// zero-value cursor (lastReadSeq=0) if the agent has never acknowledged
// anything in it.
func GetParticipantCursor(ctx context.Context, db *sql.DB, threadID, agentID string) (*models.ParticipantCursor, error) {
	var c models.ParticipantCursor
	var lastAcked sql.NullString
	err := RetryWithBackoff(ctx, func() error {
		return db.QueryRowContext(ctx, `
			SELECT thread_id, agent_id, last_read_seq, last_acked_message_id, updated_at
			FROM participant_cursors WHERE thread_id = ? AND agent_id = ?
		`, threadID, agentID).Scan(&c.ThreadID, &c.AgentID, &c.LastReadSeq, &lastAcked, &c.UpdatedAt)
	})
	if err == sql.ErrNoRows {
		return &models.ParticipantCursor{ThreadID: threadID, AgentID: agentID, LastReadSeq: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query participant cursor: %w", err)
	}
	c.LastAckedMessage = lastAcked.String
	return &c, nil
}

// AdvanceParticipantCursor moves an agent's read cursor forward to seq,
// recording messageID as the last acknowledged message. Rejects any attempt
// to move the cursor backward: callers must not acknowledge a sequence lower
// than the one already on record.
func AdvanceParticipantCursor(ctx context.Context, db *sql.DB, threadID, agentID string, seq int64, messageID string, now time.Time) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT last_read_seq FROM participant_cursors WHERE thread_id = ? AND agent_id = ?
		`, threadID, agentID).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("query current cursor: %w", err)
		}
		if err == nil && seq < current {
			return &CursorRegressionError{ThreadID: threadID, AgentID: agentID, Current: current, Requested: seq}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participant_cursors (thread_id, agent_id, last_read_seq, last_acked_message_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (thread_id, agent_id) DO UPDATE SET
				last_read_seq = excluded.last_read_seq,
				last_acked_message_id = excluded.last_acked_message_id,
				updated_at = excluded.updated_at
		`, threadID, agentID, seq, messageID, now); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return nil
	})
}

// ListParticipantCursors returns every cursor recorded for a thread.
func ListParticipantCursors(ctx context.Context, db *sql.DB, threadID string) ([]*models.ParticipantCursor, error) {
	var out []*models.ParticipantCursor
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT thread_id, agent_id, last_read_seq, last_acked_message_id, updated_at
			FROM participant_cursors WHERE thread_id = ?
		`, threadID)
		if err != nil {
			return fmt.Errorf("query participant cursors: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.ParticipantCursor, 0)
		for rows.Next() {
			var c models.ParticipantCursor
			var lastAcked sql.NullString
			if err := rows.Scan(&c.ThreadID, &c.AgentID, &c.LastReadSeq, &lastAcked, &c.UpdatedAt); err != nil {
				return fmt.Errorf("scan cursor row: %w", err)
			}
			c.LastAckedMessage = lastAcked.String
			out = append(out, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
