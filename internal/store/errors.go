package store

import (
	"fmt"
	"strconv"

	"github.com/dotcommander/orkiva/internal/models"
)

// RecoverableError is an alias for models.RecoverableError, retained for
// callers that reference store.RecoverableError directly.
type RecoverableError = models.RecoverableError

// ClaimContentionError is returned when a candidate trigger job was claimed
// by another worker between the candidate SELECT and the claiming UPDATE.
// It is retryable: the caller should move on to the next candidate.
type ClaimContentionError struct {
	TriggerID    string
	RequestedBy  string
}

func (e *ClaimContentionError) Error() string { return "trigger job already claimed" }
func (e *ClaimContentionError) ErrorCode() string { return "CLAIM_CONTENTION" }
func (e *ClaimContentionError) Context() map[string]string {
	return map[string]string{
		"trigger_id":   e.TriggerID,
		"requested_by": e.RequestedBy,
	}
}
func (e *ClaimContentionError) SuggestedAction() string {
	return "move to the next candidate; this job was claimed by another worker"
}

// VersionConflictError signals an optimistic-concurrency violation on a row
// that uses a monotonic column guard (e.g. cursor regression, sequence gap).
type VersionConflictError struct {
	Entity string
	ID     string
	Detail string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s: %s", e.Entity, e.ID, e.Detail)
}
func (e *VersionConflictError) ErrorCode() string { return "VERSION_CONFLICT" }
func (e *VersionConflictError) Context() map[string]string {
	return map[string]string{
		"entity": e.Entity,
		"id":     e.ID,
		"detail": e.Detail,
	}
}
func (e *VersionConflictError) SuggestedAction() string {
	return "reload the row and retry"
}
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// CursorRegressionError is returned when a cursor update would move
// lastReadSeq backward.
type CursorRegressionError struct {
	ThreadID  string
	AgentID   string
	Current   int64
	Requested int64
}

func (e *CursorRegressionError) Error() string {
	return fmt.Sprintf("cursor regression: thread %s agent %s has lastReadSeq=%d, requested %d",
		e.ThreadID, e.AgentID, e.Current, e.Requested)
}
func (e *CursorRegressionError) ErrorCode() string { return "CURSOR_REGRESSION" }
func (e *CursorRegressionError) Context() map[string]string {
	return map[string]string{
		"thread_id": e.ThreadID,
		"agent_id":  e.AgentID,
		"current":   strconv.FormatInt(e.Current, 10),
		"requested": strconv.FormatInt(e.Requested, 10),
	}
}
func (e *CursorRegressionError) SuggestedAction() string {
	return "do not acknowledge a sequence lower than the current cursor"
}

// InvalidThreadTransitionError is returned when a thread status change is
// not allowed by the thread lifecycle.
type InvalidThreadTransitionError struct {
	ThreadID string
	From     string
	To       string
}

func (e *InvalidThreadTransitionError) Error() string {
	return fmt.Sprintf("invalid thread transition %s -> %s for thread %s", e.From, e.To, e.ThreadID)
}
func (e *InvalidThreadTransitionError) ErrorCode() string { return "INVALID_THREAD_TRANSITION" }
func (e *InvalidThreadTransitionError) Context() map[string]string {
	return map[string]string{
		"thread_id": e.ThreadID,
		"from":      e.From,
		"to":        e.To,
	}
}
func (e *InvalidThreadTransitionError) SuggestedAction() string {
	return "choose a transition permitted by the thread lifecycle"
}

// SessionScopeMismatchError is returned when a heartbeat targets a
// (agentID, workspaceID) pair bound to a different session identity than the
// one already on record.
type SessionScopeMismatchError struct {
	AgentID     string
	WorkspaceID string
}

func (e *SessionScopeMismatchError) Error() string {
	return fmt.Sprintf("session scope mismatch for agent %s in workspace %s", e.AgentID, e.WorkspaceID)
}
func (e *SessionScopeMismatchError) ErrorCode() string { return "SESSION_SCOPE_MISMATCH" }
func (e *SessionScopeMismatchError) Context() map[string]string {
	return map[string]string{
		"agent_id":     e.AgentID,
		"workspace_id": e.WorkspaceID,
	}
}
func (e *SessionScopeMismatchError) SuggestedAction() string {
	return "deregister the stale session before re-registering under a new identity"
}
