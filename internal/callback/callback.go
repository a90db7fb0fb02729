// Package callback posts trigger-completion notifications back to the
// bridge collaborator over HTTP, classifying response and network failures
// into retry, fatal, or delivered outcomes.
package callback

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
)

// Config tunes the callback poster's endpoint, credentials, and retry limit.
type Config struct {
	BaseURL      string
	AccessToken  string
	Timeout      time.Duration
	MaxRetries   int
	DefaultBackoff time.Duration
}

// Stats summarizes one PostDue call.
type Stats struct {
	Posted    int `json:"posted"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Poster delivers trigger-completion callbacks for jobs awaiting one.
type Poster struct {
	db     *sql.DB
	client *http.Client
	cfg    Config
}

// New returns a Poster. The http.Client's timeout is fixed at cfg.Timeout so
// no single callback post can stall a tick indefinitely.
func New(db *sql.DB, cfg Config) *Poster {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = 5 * time.Second
	}
	return &Poster{db: db, client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

type payload struct {
	ThreadID       string         `json:"thread_id"`
	SchemaVersion  int            `json:"schema_version"`
	Kind           string         `json:"kind"`
	Body           string         `json:"body"`
	Metadata       payloadMeta    `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type payloadMeta struct {
	EventVersion       int    `json:"event_version"`
	EventType          string `json:"event_type"`
	SuppressAutoTrigger bool  `json:"suppress_auto_trigger"`
	TriggerID          string `json:"trigger_id"`
	JobID              string `json:"job_id"`
	TargetAgentID      string `json:"target_agent_id"`
	TriggerReason      string `json:"trigger_reason"`
	TriggerOutcome     string `json:"trigger_outcome"`
	TriggerAttemptNo   int    `json:"trigger_attempt_no"`
	TriggerErrorCode   string `json:"trigger_error_code,omitempty"`
	StartedAt          string `json:"started_at"`
	FinishedAt         string `json:"finished_at"`
	CallbackAttemptNo  int    `json:"callback_attempt_no"`
}

// PostOne posts the callback for one job in callback_pending/callback_retry
// status, and transitions it to the outcome status.
func (p *Poster) PostOne(ctx context.Context, job *models.TriggerJob, outcome string, now time.Time) error {
	callbackAttempt := job.Attempts

	if p.cfg.AccessToken == "" {
		return p.finish(ctx, job, models.TriggerStatusCallbackFailed, "CALLBACK_AUTH_TOKEN_MISSING", "", now)
	}

	body := payload{
		ThreadID:      job.ThreadID,
		SchemaVersion: 1,
		Kind:          "event",
		Body:          fmt.Sprintf("Worker callback for trigger %s: %s.", job.ID, outcome),
		Metadata: payloadMeta{
			EventVersion:        1,
			EventType:           "trigger.completed",
			SuppressAutoTrigger: true,
			TriggerID:           job.ID,
			JobID:               job.ID,
			TargetAgentID:       job.TargetAgentID,
			TriggerReason:       job.Reason,
			TriggerOutcome:      outcome,
			TriggerAttemptNo:    job.Attempts,
			StartedAt:           job.CreatedAt.Format(time.RFC3339Nano),
			FinishedAt:          now.Format(time.RFC3339Nano),
			CallbackAttemptNo:   callbackAttempt,
		},
		IdempotencyKey: fmt.Sprintf("trigger-callback:%s:v1", job.ID),
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return p.finish(ctx, job, models.TriggerStatusCallbackFailed, "CALLBACK_ENCODE_ERROR", "", now)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/mcp/post_message", bytes.NewReader(raw))
	if err != nil {
		return p.finish(ctx, job, models.TriggerStatusCallbackFailed, "CALLBACK_REQUEST_ERROR", "", now)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("authorization", "Bearer "+p.cfg.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		code := "CALLBACK_NETWORK_ERROR"
		if ctx.Err() != nil || isTimeout(err) {
			code = "CALLBACK_REQUEST_TIMEOUT"
		}
		return p.retryOrFail(ctx, job, code, "", p.cfg.DefaultBackoff, now)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return p.finish(ctx, job, models.TriggerStatusCallbackDelivered, "", "", now)
	case resp.StatusCode == 408 || resp.StatusCode == 409 || resp.StatusCode == 429 || resp.StatusCode >= 500:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), now, p.cfg.DefaultBackoff)
		return p.retryOrFail(ctx, job, "CALLBACK_HTTP_RETRYABLE", strconv.Itoa(resp.StatusCode), retryAfter, now)
	default:
		return p.finish(ctx, job, models.TriggerStatusCallbackFailed, "CALLBACK_HTTP_FATAL", strconv.Itoa(resp.StatusCode), now)
	}
}

func (p *Poster) retryOrFail(ctx context.Context, job *models.TriggerJob, errorCode, details string, retryAfter time.Duration, now time.Time) error {
	if job.Attempts >= p.cfg.MaxRetries {
		if err := p.finish(ctx, job, models.TriggerStatusCallbackFailed, errorCode, details, now); err != nil {
			return err
		}
		return store.AppendAuditEvent(ctx, p.db, models.AuditEvent{
			WorkspaceID: job.WorkspaceID,
			Category:    "callback",
			SubjectType: "trigger_job",
			SubjectID:   job.ID,
			Action:      "exhausted",
			Reason:      errorCode,
		}, now)
	}
	return store.Transact(ctx, p.db, func(tx *sql.Tx) error {
		if _, err := store.AppendTriggerAttemptTx(tx, job.ID, job.Attempts, "callback_retry", errorCode, details, now); err != nil {
			return err
		}
		return store.DeferCallbackTx(tx, job.ID, now.Add(retryAfter), now)
	})
}

func (p *Poster) finish(ctx context.Context, job *models.TriggerJob, status models.TriggerStatus, errorCode, details string, now time.Time) error {
	return store.Transact(ctx, p.db, func(tx *sql.Tx) error {
		result := "callback_delivered"
		if status != models.TriggerStatusCallbackDelivered {
			result = "callback_failed"
		}
		if _, err := store.AppendTriggerAttemptTx(tx, job.ID, job.Attempts, result, errorCode, details, now); err != nil {
			return err
		}
		return store.SetTriggerJobStatusTx(tx, job.ID, status, now)
	})
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// parseRetryAfter parses an HTTP Retry-After header (delta-seconds or
// HTTP-date), falling back to def if absent or unparseable.
func parseRetryAfter(header string, now time.Time, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return def
}
