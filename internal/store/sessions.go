package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
)

// UpsertSessionHeartbeat records a runtime's liveness for (agentID,
// workspaceID). If a session already exists for that pair under a different
// sessionID, the caller must deregister it first: this guards against two
// concurrently-running runtimes silently overwriting each other's identity.
func UpsertSessionHeartbeat(ctx context.Context, db *sql.DB, s models.SessionRecord, now time.Time) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		var existingSessionID string
		err := tx.QueryRowContext(ctx, `
			SELECT session_id FROM session_registry WHERE agent_id = ? AND workspace_id = ?
		`, s.AgentID, s.WorkspaceID).Scan(&existingSessionID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("query existing session: %w", err)
		}
		if err == nil && existingSessionID != s.SessionID {
			return &SessionScopeMismatchError{AgentID: s.AgentID, WorkspaceID: s.WorkspaceID}
		}

		resumable := 0
		if s.Resumable {
			resumable = 1
		}
		// The WHERE clause on the conflict update makes last-writer-wins apply
		// to heartbeatAt rather than arrival order: an out-of-order heartbeat
		// delivered late can never regress a fresher record already stored.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_registry (
				agent_id, workspace_id, session_id, runtime, management_mode,
				resumable, status, last_heartbeat_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (agent_id, workspace_id) DO UPDATE SET
				session_id = excluded.session_id,
				runtime = excluded.runtime,
				management_mode = excluded.management_mode,
				resumable = excluded.resumable,
				status = excluded.status,
				last_heartbeat_at = excluded.last_heartbeat_at,
				updated_at = excluded.updated_at
			WHERE excluded.last_heartbeat_at > session_registry.last_heartbeat_at
		`, s.AgentID, s.WorkspaceID, s.SessionID, s.Runtime, string(s.ManagementMode),
			resumable, string(s.Status), now, now)
		if err != nil {
			return fmt.Errorf("upsert session heartbeat: %w", err)
		}
		return nil
	})
}

// DeregisterSession removes a session record, releasing the (agentID,
// workspaceID) scope so a new session can claim it.
func DeregisterSession(ctx context.Context, db *sql.DB, agentID, workspaceID string) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM session_registry WHERE agent_id = ? AND workspace_id = ?
		`, agentID, workspaceID)
		if err != nil {
			return fmt.Errorf("deregister session: %w", err)
		}
		return nil
	})
}

// GetSession returns the session record for (agentID, workspaceID), or nil if none exists.
func GetSession(ctx context.Context, db *sql.DB, agentID, workspaceID string) (*models.SessionRecord, error) {
	s, err := scanSessionRow(ctx, db, agentID, workspaceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

func scanSessionRow(ctx context.Context, db *sql.DB, agentID, workspaceID string) (*models.SessionRecord, error) {
	var s models.SessionRecord
	var resumable int
	err := RetryWithBackoff(ctx, func() error {
		return db.QueryRowContext(ctx, `
			SELECT agent_id, workspace_id, session_id, runtime, management_mode,
			       resumable, status, last_heartbeat_at, updated_at
			FROM session_registry WHERE agent_id = ? AND workspace_id = ?
		`, agentID, workspaceID).Scan(&s.AgentID, &s.WorkspaceID, &s.SessionID, &s.Runtime,
			&s.ManagementMode, &resumable, &s.Status, &s.LastHeartbeatAt, &s.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	s.Resumable = resumable != 0
	return &s, nil
}

// ListSessionsByWorkspace returns every registered session in a workspace.
func ListSessionsByWorkspace(ctx context.Context, db *sql.DB, workspaceID string) ([]*models.SessionRecord, error) {
	var out []*models.SessionRecord
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT agent_id, workspace_id, session_id, runtime, management_mode,
			       resumable, status, last_heartbeat_at, updated_at
			FROM session_registry WHERE workspace_id = ?
		`, workspaceID)
		if err != nil {
			return fmt.Errorf("query sessions by workspace: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.SessionRecord, 0)
		for rows.Next() {
			var s models.SessionRecord
			var resumable int
			if err := rows.Scan(&s.AgentID, &s.WorkspaceID, &s.SessionID, &s.Runtime,
				&s.ManagementMode, &resumable, &s.Status, &s.LastHeartbeatAt, &s.UpdatedAt); err != nil {
				return fmt.Errorf("scan session row: %w", err)
			}
			s.Resumable = resumable != 0
			out = append(out, &s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkStaleSessionsOffline flips any session whose last heartbeat is older
// than staleAfterHours to offline status. Called periodically by the
// supervisor tick so dormant-session checks don't need to compute staleness
// inline on every reconciliation pass.
func MarkStaleSessionsOffline(ctx context.Context, db *sql.DB, workspaceID string, staleAfterHours int, now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(staleAfterHours) * time.Hour)
	var affected int64
	err := Transact(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE session_registry
			SET status = ?, updated_at = ?
			WHERE workspace_id = ? AND status != ? AND last_heartbeat_at < ?
		`, string(models.SessionStatusOffline), now, workspaceID, string(models.SessionStatusOffline), cutoff)
		if err != nil {
			return fmt.Errorf("mark stale sessions offline: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}
