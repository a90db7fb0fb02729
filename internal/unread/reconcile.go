// Package unread scans a workspace for participants who are behind on a
// thread and unreachable by ordinary conversation traffic, latching each one
// it notifies so the next tick does not re-trigger the same unread frontier.
package unread

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
)

// Stats summarizes one reconciliation pass for logging and metrics.
type Stats struct {
	ParticipantsScanned       int64 `json:"participants_scanned"`
	UnreadParticipants        int64 `json:"unread_participants"`
	DormantUnreadParticipants int64 `json:"dormant_unread_participants"`
	DeduplicatedParticipants  int64 `json:"deduplicated_participants"`
}

// Result is the output of one Reconcile call: the candidates to hand to the
// scheduler, plus the stats describing how the pass narrowed down to them.
type Result struct {
	Candidates []models.UnreadCandidate
	Stats      Stats
}

// Reconciler scans thread participants for unread, dormant recipients.
type Reconciler struct {
	db *sql.DB
}

// New returns a Reconciler backed by db.
func New(db *sql.DB) *Reconciler {
	return &Reconciler{db: db}
}

// Reconcile runs one pass over workspaceID's threads. It performs its whole
// snapshot-read-and-latch in a single transaction so every candidate it
// emits reflects one consistent point in time.
func (r *Reconciler) Reconcile(ctx context.Context, workspaceID string, staleAfterHours int, includeClosedThreads bool, polledAt time.Time) (Result, error) {
	if staleAfterHours <= 0 {
		return Result{}, &models.InvalidArgumentError{
			Field:  "staleAfterHours",
			Detail: "must be greater than zero",
		}
	}

	var result Result
	err := store.Transact(ctx, r.db, func(tx *sql.Tx) error {
		snapshot, err := store.SnapshotParticipantsForReconciliationTx(tx, workspaceID, includeClosedThreads)
		if err != nil {
			return fmt.Errorf("snapshot participants: %w", err)
		}

		var stats Stats
		candidates := make([]models.UnreadCandidate, 0)

		for _, p := range snapshot {
			stats.ParticipantsScanned++

			if p.LatestSeq <= p.LastReadSeq {
				continue
			}
			stats.UnreadParticipants++

			if !p.Session.IsDormant(staleAfterHours, polledAt) {
				continue
			}
			stats.DormantUnreadParticipants++

			existing, err := store.GetReconciliationStateTx(tx, p.ThreadID, p.AgentID)
			if err != nil {
				return fmt.Errorf("read reconciliation state for %s/%s: %w", p.ThreadID, p.AgentID, err)
			}
			if existing != nil && existing.LastNotifiedSeq >= p.LatestSeq {
				stats.DeduplicatedParticipants++
				continue
			}

			if err := store.LatchReconciliationStateTx(tx, p.ThreadID, p.AgentID, p.LatestSeq, polledAt); err != nil {
				return fmt.Errorf("latch reconciliation state for %s/%s: %w", p.ThreadID, p.AgentID, err)
			}

			candidates = append(candidates, candidateFromSnapshot(p, workspaceID, staleAfterHours, polledAt))
		}

		result = Result{Candidates: candidates, Stats: stats}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func candidateFromSnapshot(p store.ParticipantSnapshot, workspaceID string, staleAfterHours int, polledAt time.Time) models.UnreadCandidate {
	c := models.UnreadCandidate{
		ThreadID:      p.ThreadID,
		WorkspaceID:   workspaceID,
		ParticipantID: p.AgentID,
		UnreadCount:   p.LatestSeq - p.LastReadSeq,
		LatestSeq:     p.LatestSeq,
		LastReadSeq:   p.LastReadSeq,
		SessionStatus: "missing",
		Reason:        "new_unread_dormant_participant",
	}
	if p.Session != nil {
		c.SessionStatus = string(p.Session.Status)
		c.SessionID = p.Session.SessionID
		c.ManagementMode = string(p.Session.ManagementMode)
		c.Resumable = p.Session.Resumable
		c.StaleSession = p.Session.IsStale(staleAfterHours, polledAt)
	} else {
		c.StaleSession = true
	}
	return c
}
