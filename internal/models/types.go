package models

import (
	"encoding/json"
	"time"
)

// ID strategy: audit events use auto-increment integers; threads, messages,
// trigger jobs, attempts, and fallback runs use prefixed opaque strings
// minted by the idgen package (e.g. "trg_1732999999000000000_a3f9c1b2e7d4"),
// so a row can be created by any process without a central sequence.
// Messages additionally carry a monotonic per-thread integer seq. Session
// records have no minted id: they are keyed by (agent, workspace) and store
// the session id the runtime reports.

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusBlocked  ThreadStatus = "blocked"
	ThreadStatusResolved ThreadStatus = "resolved"
	ThreadStatusClosed   ThreadStatus = "closed"
)

// IsTerminal returns true once a thread can no longer receive triggers.
func (s ThreadStatus) IsTerminal() bool {
	return s == ThreadStatusClosed
}

// CanTransitionTo reports whether s -> next is a legal thread transition.
func (s ThreadStatus) CanTransitionTo(next ThreadStatus) bool {
	switch s {
	case ThreadStatusActive:
		return next == ThreadStatusBlocked || next == ThreadStatusResolved || next == ThreadStatusClosed
	case ThreadStatusBlocked:
		return next == ThreadStatusActive || next == ThreadStatusClosed
	case ThreadStatusResolved:
		return next == ThreadStatusClosed
	case ThreadStatusClosed:
		return false
	default:
		return false
	}
}

// ThreadType distinguishes the workload shape of a thread for operator tooling.
type ThreadType string

const (
	ThreadTypeConversation ThreadType = "conversation"
	ThreadTypeWorkflow     ThreadType = "workflow"
	ThreadTypeIncident     ThreadType = "incident"
)

// Thread is a durable multi-participant conversation with a monotonic
// per-thread message sequence.
type Thread struct {
	ID               string       `json:"id"`
	WorkspaceID      string       `json:"workspace_id"`
	Title            string       `json:"title"`
	Type             ThreadType   `json:"type"`
	Status           ThreadStatus `json:"status"`
	EscalationOwner  string       `json:"escalation_owner,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IsClosed reports whether the thread is excluded from reconciliation by default.
func (t *Thread) IsClosed() bool {
	return t.Status == ThreadStatusClosed
}

// ThreadParticipant binds an agent to a thread it must track.
type ThreadParticipant struct {
	ThreadID  string    `json:"thread_id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageKind distinguishes conversational content from system bookkeeping.
type MessageKind string

const (
	MessageKindChat   MessageKind = "chat"
	MessageKindEvent  MessageKind = "event"
	MessageKindSystem MessageKind = "system"
)

// Message is one gap-free, strictly-increasing entry in a thread's log.
type Message struct {
	ID              string          `json:"id"`
	ThreadID        string          `json:"thread_id"`
	SchemaVersion   int             `json:"schema_version"`
	Seq             int64           `json:"seq"`
	SenderAgentID   string          `json:"sender_agent_id"`
	SenderSessionID string          `json:"sender_session_id,omitempty"`
	Kind            MessageKind     `json:"kind"`
	Body            string          `json:"body"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	InReplyTo       string          `json:"in_reply_to,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ParticipantCursor is the last message each participant is known to have read.
type ParticipantCursor struct {
	ThreadID         string    `json:"thread_id"`
	AgentID          string    `json:"agent_id"`
	LastReadSeq      int64     `json:"last_read_seq"`
	LastAckedMessage string    `json:"last_acked_message_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SessionStatus is the liveness of an interactive runtime.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusIdle    SessionStatus = "idle"
	SessionStatusOffline SessionStatus = "offline"
)

// ManagementMode records whether this core may resume/spawn the runtime itself.
type ManagementMode string

const (
	ManagementModeManaged   ManagementMode = "managed"
	ManagementModeUnmanaged ManagementMode = "unmanaged"
)

// SessionRecord is the runtime registry's view of one agent's interactive session
// within a workspace, keyed by (agentID, workspaceID).
type SessionRecord struct {
	AgentID         string         `json:"agent_id"`
	WorkspaceID     string         `json:"workspace_id"`
	SessionID       string         `json:"session_id"`
	Runtime         string         `json:"runtime"`
	ManagementMode  ManagementMode `json:"management_mode"`
	Resumable       bool           `json:"resumable"`
	Status          SessionStatus  `json:"status"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsStale reports whether ref is more than staleAfterHours past the last heartbeat.
func (s *SessionRecord) IsStale(staleAfterHours int, ref time.Time) bool {
	if s == nil {
		return true
	}
	cutoff := time.Duration(staleAfterHours) * time.Hour
	return ref.Sub(s.LastHeartbeatAt) > cutoff
}

// IsDormant reports whether this session should be considered unreachable by
// ordinary conversation traffic alone and needs an explicit trigger.
func (s *SessionRecord) IsDormant(staleAfterHours int, ref time.Time) bool {
	if s == nil {
		return true
	}
	return s.Status != SessionStatusActive || s.IsStale(staleAfterHours, ref)
}

// TriggerStatus is the trigger job state machine's tag.
type TriggerStatus string

const (
	TriggerStatusQueued           TriggerStatus = "queued"
	TriggerStatusTriggering       TriggerStatus = "triggering"
	TriggerStatusDeferred         TriggerStatus = "deferred"
	TriggerStatusDelivered        TriggerStatus = "delivered"
	TriggerStatusTimeout          TriggerStatus = "timeout"
	TriggerStatusFailed           TriggerStatus = "failed"
	TriggerStatusFallbackResume   TriggerStatus = "fallback_resume"
	TriggerStatusFallbackSpawn    TriggerStatus = "fallback_spawn"
	TriggerStatusCallbackPending  TriggerStatus = "callback_pending"
	TriggerStatusCallbackRetry    TriggerStatus = "callback_retry"
	TriggerStatusCallbackDelivered TriggerStatus = "callback_delivered"
	TriggerStatusCallbackFailed   TriggerStatus = "callback_failed"
)

// ActiveClaimStatuses are the statuses a job can be re-claimed out of when its
// lease has expired (it was claimed but the worker that claimed it died).
var ActiveClaimStatuses = []TriggerStatus{
	TriggerStatusTriggering,
	TriggerStatusCallbackPending,
	TriggerStatusCallbackRetry,
}

// IsTerminal reports whether the job will never transition again.
func (s TriggerStatus) IsTerminal() bool {
	switch s {
	case TriggerStatusFailed, TriggerStatusCallbackDelivered, TriggerStatusCallbackFailed:
		return true
	default:
		return false
	}
}

// IsOpenForScheduling reports whether an existing job for the same
// (thread, target agent) should be reused instead of enqueuing a duplicate.
func (s TriggerStatus) IsOpenForScheduling() bool {
	switch s {
	case TriggerStatusQueued, TriggerStatusTriggering, TriggerStatusDeferred,
		TriggerStatusFallbackResume, TriggerStatusFallbackSpawn,
		TriggerStatusCallbackPending, TriggerStatusCallbackRetry:
		return true
	default:
		return false
	}
}

// TriggerJob is the durable intent to nudge a dormant participant.
type TriggerJob struct {
	ID                       string        `json:"id"`
	ThreadID                 string        `json:"thread_id"`
	WorkspaceID              string        `json:"workspace_id"`
	TargetAgentID            string        `json:"target_agent_id"`
	TargetSessionID          string        `json:"target_session_id,omitempty"`
	Reason                   string        `json:"reason"`
	Prompt                   string        `json:"prompt"`
	Status                   TriggerStatus `json:"status"`
	Attempts                 int           `json:"attempts"`
	MaxRetries               int           `json:"max_retries"`
	NextRetryAt              *time.Time    `json:"next_retry_at,omitempty"`
	TriggeringLeaseExpiresAt *time.Time    `json:"triggering_lease_expires_at,omitempty"`
	LatestSeq                int64         `json:"latest_seq"`
	CreatedAt                time.Time     `json:"created_at"`
	UpdatedAt                time.Time     `json:"updated_at"`
}

// IsClaimable reports whether now makes this job eligible for a fresh claim,
// either because it is due or because its previous claim's lease expired.
func (j *TriggerJob) IsClaimable(now time.Time) bool {
	switch j.Status {
	case TriggerStatusQueued:
		return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
	case TriggerStatusDeferred:
		return j.NextRetryAt != nil && !j.NextRetryAt.After(now)
	case TriggerStatusTriggering, TriggerStatusCallbackPending, TriggerStatusCallbackRetry:
		return j.TriggeringLeaseExpiresAt != nil && !j.TriggeringLeaseExpiresAt.After(now)
	default:
		return false
	}
}

// TriggerAttempt is one append-only record of a delivery or fallback try.
type TriggerAttempt struct {
	ID        string    `json:"id"`
	TriggerID string    `json:"trigger_id"`
	AttemptNo int       `json:"attempt_no"`
	Result    string    `json:"result"`
	ErrorCode string    `json:"error_code,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LaunchMode distinguishes an attached resume from a detached spawn.
type LaunchMode string

const (
	LaunchModeResume LaunchMode = "resume"
	LaunchModeSpawn  LaunchMode = "spawn"
)

// TriggerFallbackRun tracks a process launched on behalf of a trigger job so
// the worker can reconcile orphaned or long-running launches.
type TriggerFallbackRun struct {
	ID         string     `json:"id"`
	TriggerID  string     `json:"trigger_id"`
	LaunchMode LaunchMode `json:"launch_mode"`
	Pid        int        `json:"pid,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
}

// ReconciliationState is the write-only latch preventing re-triggering the
// same unread frontier for a (thread, agent) pair.
type ReconciliationState struct {
	ThreadID      string    `json:"thread_id"`
	AgentID       string    `json:"agent_id"`
	LastNotifiedSeq int64   `json:"last_notified_seq"`
	NotifiedAt    time.Time `json:"notified_at"`
}

// AuditEvent is an append-only operator/system audit trail row.
type AuditEvent struct {
	ID          int64     `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Category    string    `json:"category"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Action      string    `json:"action"`
	ActorAgentID string   `json:"actor_agent_id"`
	Reason      string    `json:"reason,omitempty"`
	Metadata    string    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UnreadCandidate is an ephemeral row computed by unread reconciliation; it is
// never itself persisted, only the resulting TriggerJob and ReconciliationState are.
type UnreadCandidate struct {
	ThreadID        string
	WorkspaceID     string
	ParticipantID   string
	UnreadCount     int64
	LatestSeq       int64
	LastReadSeq     int64
	SessionStatus   string
	SessionID       string
	ManagementMode  string
	Resumable       bool
	StaleSession    bool
	Reason          string
}
