package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/idgen"
	"github.com/dotcommander/orkiva/internal/models"
)

// CreateThread inserts a new thread in the active status.
func CreateThread(ctx context.Context, db *sql.DB, workspaceID, title string, typ models.ThreadType, now time.Time) (*models.Thread, error) {
	var thread *models.Thread
	err := Transact(ctx, db, func(tx *sql.Tx) error {
		created, err := CreateThreadTx(tx, workspaceID, title, typ, now)
		if err != nil {
			return err
		}
		thread = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// CreateThreadTx inserts and returns a thread inside an existing transaction.
func CreateThreadTx(tx *sql.Tx, workspaceID, title string, typ models.ThreadType, now time.Time) (*models.Thread, error) {
	id := idgen.New(idgen.PrefixThread)
	_, err := tx.Exec(`
		INSERT INTO threads (id, workspace_id, title, type, status, escalation_owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
	`, id, workspaceID, title, string(typ), string(models.ThreadStatusActive), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	return &models.Thread{
		ID:          id,
		WorkspaceID: workspaceID,
		Title:       title,
		Type:        typ,
		Status:      models.ThreadStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetThread retrieves a thread by ID.
func GetThread(ctx context.Context, db *sql.DB, threadID string) (*models.Thread, error) {
	var t models.Thread
	var owner sql.NullString
	err := RetryWithBackoff(ctx, func() error {
		return db.QueryRowContext(ctx, `
			SELECT id, workspace_id, title, type, status, escalation_owner, created_at, updated_at
			FROM threads WHERE id = ?
		`, threadID).Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Type, &t.Status, &owner, &t.CreatedAt, &t.UpdatedAt)
	})
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread not found: %s", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	t.EscalationOwner = owner.String
	return &t, nil
}

// ListOpenThreads returns every thread not in the terminal closed status,
// scoped to a workspace. Used by unread reconciliation's candidate scan.
func ListOpenThreads(ctx context.Context, db *sql.DB, workspaceID string) ([]*models.Thread, error) {
	var threads []*models.Thread
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, workspace_id, title, type, status, escalation_owner, created_at, updated_at
			FROM threads
			WHERE workspace_id = ? AND status != ?
			ORDER BY updated_at DESC
		`, workspaceID, string(models.ThreadStatusClosed))
		if err != nil {
			return fmt.Errorf("query open threads: %w", err)
		}
		defer func() { _ = rows.Close() }()

		threads = make([]*models.Thread, 0)
		for rows.Next() {
			var t models.Thread
			var owner sql.NullString
			if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Type, &t.Status, &owner, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return fmt.Errorf("scan thread row: %w", err)
			}
			t.EscalationOwner = owner.String
			threads = append(threads, &t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// TransitionThreadStatus moves a thread to a new status, rejecting transitions
// the thread lifecycle does not allow.
func TransitionThreadStatus(ctx context.Context, db *sql.DB, threadID string, next models.ThreadStatus, now time.Time) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		var current models.ThreadStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE id = ?`, threadID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("thread not found: %s", threadID)
			}
			return fmt.Errorf("query thread status: %w", err)
		}
		if !current.CanTransitionTo(next) {
			return &InvalidThreadTransitionError{ThreadID: threadID, From: string(current), To: string(next)}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET status = ?, updated_at = ? WHERE id = ?
		`, string(next), now, threadID); err != nil {
			return fmt.Errorf("update thread status: %w", err)
		}
		return nil
	})
}

// SetThreadEscalationOwner records the operator or agent who accepted
// ownership of an escalated thread. Empty string clears ownership.
func SetThreadEscalationOwner(ctx context.Context, db *sql.DB, threadID, owner string, now time.Time) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE threads SET escalation_owner = ?, updated_at = ? WHERE id = ?
		`, owner, now, threadID)
		if err != nil {
			return fmt.Errorf("set escalation owner: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("thread not found: %s", threadID)
		}
		return nil
	})
}

// AddThreadParticipant binds an agent to a thread it must track. Idempotent.
func AddThreadParticipant(ctx context.Context, db *sql.DB, threadID, agentID string, now time.Time) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO thread_participants (thread_id, agent_id, created_at)
			VALUES (?, ?, ?)
		`, threadID, agentID, now)
		if err != nil {
			return fmt.Errorf("add thread participant: %w", err)
		}
		return nil
	})
}

// ListThreadParticipants returns every agent bound to a thread.
func ListThreadParticipants(ctx context.Context, db *sql.DB, threadID string) ([]models.ThreadParticipant, error) {
	var out []models.ThreadParticipant
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT thread_id, agent_id, created_at
			FROM thread_participants WHERE thread_id = ?
			ORDER BY created_at ASC
		`, threadID)
		if err != nil {
			return fmt.Errorf("query thread participants: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]models.ThreadParticipant, 0)
		for rows.Next() {
			var p models.ThreadParticipant
			if err := rows.Scan(&p.ThreadID, &p.AgentID, &p.CreatedAt); err != nil {
				return fmt.Errorf("scan participant row: %w", err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
