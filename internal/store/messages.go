package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/idgen"
	"github.com/dotcommander/orkiva/internal/models"
)

// AppendMessage inserts the next message in a thread's gap-free sequence and
// advances the sender's own cursor to the new message (a participant is
// always caught up on its own writes). If idempotencyKey is non-empty and a
// message with that key already exists in the thread, the existing message is
// returned instead of inserting a duplicate.
func AppendMessage(ctx context.Context, db *sql.DB, msg models.Message, now time.Time) (*models.Message, error) {
	var result *models.Message
	err := Transact(ctx, db, func(tx *sql.Tx) error {
		if msg.IdempotencyKey != "" {
			existing, err := findMessageByIdempotencyKeyTx(ctx, tx, msg.ThreadID, msg.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}
		}

		var nextSeq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?
		`, msg.ThreadID).Scan(&nextSeq); err != nil {
			return fmt.Errorf("compute next seq: %w", err)
		}

		id := idgen.New(idgen.PrefixMessage)
		schemaVersion := msg.SchemaVersion
		if schemaVersion == 0 {
			schemaVersion = 1
		}
		var metadata any
		if len(msg.Metadata) > 0 {
			metadata = string(msg.Metadata)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (
				id, thread_id, schema_version, seq, sender_agent_id, sender_session_id,
				kind, body, metadata, in_reply_to, idempotency_key, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, msg.ThreadID, schemaVersion, nextSeq, msg.SenderAgentID, msg.SenderSessionID,
			string(msg.Kind), msg.Body, metadata, msg.InReplyTo, msg.IdempotencyKey, now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participant_cursors (thread_id, agent_id, last_read_seq, last_acked_message_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (thread_id, agent_id) DO UPDATE SET
				last_read_seq = excluded.last_read_seq,
				last_acked_message_id = excluded.last_acked_message_id,
				updated_at = excluded.updated_at
			WHERE excluded.last_read_seq >= participant_cursors.last_read_seq
		`, msg.ThreadID, msg.SenderAgentID, nextSeq, id, now); err != nil {
			return fmt.Errorf("advance sender cursor: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET updated_at = ? WHERE id = ?
		`, now, msg.ThreadID); err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}

		result = &models.Message{
			ID: id, ThreadID: msg.ThreadID, SchemaVersion: schemaVersion, Seq: nextSeq,
			SenderAgentID: msg.SenderAgentID, SenderSessionID: msg.SenderSessionID,
			Kind: msg.Kind, Body: msg.Body, Metadata: msg.Metadata,
			InReplyTo: msg.InReplyTo, IdempotencyKey: msg.IdempotencyKey, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func findMessageByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, threadID, key string) (*models.Message, error) {
	m, err := scanMessageRow(tx.QueryRowContext(ctx, `
		SELECT id, thread_id, schema_version, seq, sender_agent_id, sender_session_id,
		       kind, body, metadata, in_reply_to, idempotency_key, created_at
		FROM messages WHERE thread_id = ? AND idempotency_key = ?
	`, threadID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup message by idempotency key: %w", err)
	}
	return m, nil
}

func scanMessageRow(row *sql.Row) (*models.Message, error) {
	var m models.Message
	var metadata sql.NullString
	if err := row.Scan(&m.ID, &m.ThreadID, &m.SchemaVersion, &m.Seq, &m.SenderAgentID, &m.SenderSessionID,
		&m.Kind, &m.Body, &metadata, &m.InReplyTo, &m.IdempotencyKey, &m.CreatedAt); err != nil {
		return nil, err
	}
	if metadata.Valid {
		m.Metadata = json.RawMessage(metadata.String)
	}
	return &m, nil
}

// ListMessagesSince returns every message in a thread with seq > afterSeq,
// in ascending order. Used to compute unread counts and trigger payloads.
func ListMessagesSince(ctx context.Context, db *sql.DB, threadID string, afterSeq int64, limit int) ([]*models.Message, error) {
	var out []*models.Message
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, thread_id, schema_version, seq, sender_agent_id, sender_session_id,
			       kind, body, metadata, in_reply_to, idempotency_key, created_at
			FROM messages
			WHERE thread_id = ? AND seq > ?
			ORDER BY seq ASC
			LIMIT ?
		`, threadID, afterSeq, limit)
		if err != nil {
			return fmt.Errorf("query messages since: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.Message, 0)
		for rows.Next() {
			var m models.Message
			var metadata sql.NullString
			if err := rows.Scan(&m.ID, &m.ThreadID, &m.SchemaVersion, &m.Seq, &m.SenderAgentID, &m.SenderSessionID,
				&m.Kind, &m.Body, &metadata, &m.InReplyTo, &m.IdempotencyKey, &m.CreatedAt); err != nil {
				return fmt.Errorf("scan message row: %w", err)
			}
			if metadata.Valid {
				m.Metadata = json.RawMessage(metadata.String)
			}
			out = append(out, &m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestSeq returns the highest seq in a thread, or 0 if it has no messages.
func LatestSeq(ctx context.Context, db *sql.DB, threadID string) (int64, error) {
	var seq int64
	err := RetryWithBackoff(ctx, func() error {
		return db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?
		`, threadID).Scan(&seq)
	})
	if err != nil {
		return 0, fmt.Errorf("query latest seq: %w", err)
	}
	return seq, nil
}
