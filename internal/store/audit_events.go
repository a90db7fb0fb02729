package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
)

// AppendAuditEventTx writes one append-only audit row inside an existing
// transaction, so operator actions and automated decisions share the same
// commit as the state change they describe.
func AppendAuditEventTx(tx *sql.Tx, e models.AuditEvent, now time.Time) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO audit_events (
			workspace_id, category, subject_type, subject_id, action,
			actor_agent_id, reason, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.WorkspaceID, e.Category, e.SubjectType, e.SubjectID, e.Action,
		e.ActorAgentID, e.Reason, e.Metadata, now)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AppendAuditEvent writes one audit row in its own transaction, for callers
// that are not already inside one.
func AppendAuditEvent(ctx context.Context, db *sql.DB, e models.AuditEvent, now time.Time) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		return AppendAuditEventTx(tx, e, now)
	})
}

// ListAuditEvents returns audit rows for a workspace, newest first, capped at limit.
func ListAuditEvents(ctx context.Context, db *sql.DB, workspaceID string, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*models.AuditEvent
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, workspace_id, category, subject_type, subject_id, action,
			       actor_agent_id, reason, metadata, created_at
			FROM audit_events WHERE workspace_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, workspaceID, limit)
		if err != nil {
			return fmt.Errorf("query audit events: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.AuditEvent, 0)
		for rows.Next() {
			var e models.AuditEvent
			if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Category, &e.SubjectType, &e.SubjectID, &e.Action,
				&e.ActorAgentID, &e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
				return fmt.Errorf("scan audit event row: %w", err)
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
