// Package registry tracks the liveness of interactive agent runtimes
// (tmux-attached CLI sessions) per workspace, so the rest of the supervisor
// can tell a dormant participant from an active one without reaching
// directly into the session_registry table.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
)

// Heartbeat is the upsert payload a runtime reports on check-in.
type Heartbeat struct {
	AgentID        string
	WorkspaceID    string
	SessionID      string
	Runtime        string
	ManagementMode models.ManagementMode
	Resumable      bool
	Status         models.SessionStatus
	HeartbeatAt    time.Time
}

// ReconcileStats summarizes one pass of ReconcileWorkspaceRuntimes.
type ReconcileStats struct {
	CheckedRuntimes     int64
	TransitionedOffline int64
}

// Registry is the runtime registry backed by the SQLite session_registry table.
type Registry struct {
	db *sql.DB
}

// New returns a Registry over db.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// UpsertFromHeartbeat records a runtime's liveness. The store layer's
// last-writer-wins guard (last_heartbeat_at > stored value) makes this call
// safe to issue out of order; an older or equal-time heartbeat arriving late
// is silently absorbed rather than regressing a fresher record. A scope mismatch (same
// agent/workspace key bound to a different sessionID already) surfaces as
// *store.SessionScopeMismatchError so the caller can require an explicit
// deregister first.
func (r *Registry) UpsertFromHeartbeat(ctx context.Context, h Heartbeat) (*models.SessionRecord, error) {
	rec := models.SessionRecord{
		AgentID:         h.AgentID,
		WorkspaceID:     h.WorkspaceID,
		SessionID:       h.SessionID,
		Runtime:         h.Runtime,
		ManagementMode:  h.ManagementMode,
		Resumable:       h.Resumable,
		Status:          h.Status,
		LastHeartbeatAt: h.HeartbeatAt,
	}
	if err := store.UpsertSessionHeartbeat(ctx, r.db, rec, h.HeartbeatAt); err != nil {
		return nil, err
	}
	return store.GetSession(ctx, r.db, h.AgentID, h.WorkspaceID)
}

// ReconcileWorkspaceRuntimes flips every session whose last heartbeat is
// older than staleAfterHours to offline. staleAfterHours must be a positive
// integer; the single-pass update is idempotent.
func (r *Registry) ReconcileWorkspaceRuntimes(ctx context.Context, workspaceID string, staleAfterHours int, now time.Time) (ReconcileStats, error) {
	if staleAfterHours <= 0 {
		return ReconcileStats{}, &models.InvalidArgumentError{
			Field:  "staleAfterHours",
			Detail: fmt.Sprintf("must be a positive integer, got %d", staleAfterHours),
		}
	}

	sessions, err := store.ListSessionsByWorkspace(ctx, r.db, workspaceID)
	if err != nil {
		return ReconcileStats{}, err
	}

	transitioned, err := store.MarkStaleSessionsOffline(ctx, r.db, workspaceID, staleAfterHours, now)
	if err != nil {
		return ReconcileStats{}, err
	}

	return ReconcileStats{
		CheckedRuntimes:     int64(len(sessions)),
		TransitionedOffline: transitioned,
	}, nil
}

// DeregisterRuntime marks a runtime offline and no longer resumable, e.g.
// after an operator or the runtime itself reports a clean shutdown.
func (r *Registry) DeregisterRuntime(ctx context.Context, agentID, workspaceID string, now time.Time) error {
	existing, err := store.GetSession(ctx, r.db, agentID, workspaceID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	existing.Status = models.SessionStatusOffline
	existing.Resumable = false
	existing.LastHeartbeatAt = now
	return store.UpsertSessionHeartbeat(ctx, r.db, *existing, now)
}

// Get returns the registered session for (agentID, workspaceID), or nil if none exists.
func (r *Registry) Get(ctx context.Context, agentID, workspaceID string) (*models.SessionRecord, error) {
	return store.GetSession(ctx, r.db, agentID, workspaceID)
}
