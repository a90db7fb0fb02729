package store

import (
	"database/sql"
	"fmt"

	"github.com/dotcommander/orkiva/internal/models"
)

// ParticipantSnapshot is one (thread, participant) row of the read-consistent
// view unread reconciliation scans each tick: the participant's unread
// frontier plus its session record, if any.
type ParticipantSnapshot struct {
	ThreadID    string
	WorkspaceID string
	AgentID     string
	LatestSeq   int64
	LastReadSeq int64
	Session     *models.SessionRecord
}

// SnapshotParticipantsForReconciliationTx returns every (thread, participant)
// pair in workspaceID, ordered deterministically by (threadId, agentId), each
// joined to its latest message seq, its read cursor, and its session record.
// Closed threads are excluded unless includeClosedThreads is set. Running
// inside tx gives the whole scan one consistent point-in-time view.
func SnapshotParticipantsForReconciliationTx(tx *sql.Tx, workspaceID string, includeClosedThreads bool) ([]ParticipantSnapshot, error) {
	rows, err := tx.Query(`
		SELECT tp.thread_id, t.workspace_id, tp.agent_id,
		       COALESCE((SELECT MAX(seq) FROM messages m WHERE m.thread_id = tp.thread_id), 0) AS latest_seq,
		       COALESCE(pc.last_read_seq, 0) AS last_read_seq
		FROM thread_participants tp
		JOIN threads t ON t.id = tp.thread_id
		LEFT JOIN participant_cursors pc ON pc.thread_id = tp.thread_id AND pc.agent_id = tp.agent_id
		WHERE t.workspace_id = ? AND (? OR t.status != ?)
		ORDER BY tp.thread_id ASC, tp.agent_id ASC
	`, workspaceID, includeClosedThreads, string(models.ThreadStatusClosed))
	if err != nil {
		return nil, fmt.Errorf("query reconciliation snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ParticipantSnapshot
	for rows.Next() {
		var p ParticipantSnapshot
		if err := rows.Scan(&p.ThreadID, &p.WorkspaceID, &p.AgentID, &p.LatestSeq, &p.LastReadSeq); err != nil {
			return nil, fmt.Errorf("scan reconciliation snapshot row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		session, err := getSessionTx(tx, out[i].AgentID, out[i].WorkspaceID)
		if err != nil {
			return nil, err
		}
		out[i].Session = session
	}
	return out, nil
}

func getSessionTx(tx *sql.Tx, agentID, workspaceID string) (*models.SessionRecord, error) {
	var s models.SessionRecord
	var resumable int
	err := tx.QueryRow(`
		SELECT agent_id, workspace_id, session_id, runtime, management_mode,
		       resumable, status, last_heartbeat_at, updated_at
		FROM session_registry WHERE agent_id = ? AND workspace_id = ?
	`, agentID, workspaceID).Scan(&s.AgentID, &s.WorkspaceID, &s.SessionID, &s.Runtime,
		&s.ManagementMode, &resumable, &s.Status, &s.LastHeartbeatAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	s.Resumable = resumable != 0
	return &s, nil
}
