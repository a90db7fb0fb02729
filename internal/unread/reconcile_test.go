package unread

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestReconcile_RejectsNonPositiveStaleAfterHours(t *testing.T) {
	r, _ := newTestReconciler(t)
	_, err := r.Reconcile(context.Background(), "ws1", 0, false, time.Now().UTC())
	require.Error(t, err)
	var invalid *models.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
}

func TestReconcile_DormantParticipantWithNoSessionIsCandidate(t *testing.T) {
	r, db := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	thread, err := store.CreateThread(ctx, db, "ws1", "incident", models.ThreadTypeIncident, now)
	require.NoError(t, err)
	require.NoError(t, store.AddThreadParticipant(ctx, db, thread.ID, "reporter", now))
	require.NoError(t, store.AddThreadParticipant(ctx, db, thread.ID, "oncall", now))

	_, err = store.AppendMessage(ctx, db, models.Message{
		ThreadID: thread.ID, SenderAgentID: "reporter", Kind: models.MessageKindChat, Body: "help",
	}, now)
	require.NoError(t, err)

	result, err := r.Reconcile(ctx, "ws1", 12, false, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Stats.DormantUnreadParticipants)
	require.Len(t, result.Candidates, 1)
	require.Equal(t, "oncall", result.Candidates[0].ParticipantID)
	require.True(t, result.Candidates[0].StaleSession)
}

func TestReconcile_SecondPassDedupesSameFrontier(t *testing.T) {
	r, db := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	thread, err := store.CreateThread(ctx, db, "ws1", "incident", models.ThreadTypeIncident, now)
	require.NoError(t, err)
	require.NoError(t, store.AddThreadParticipant(ctx, db, thread.ID, "reporter", now))
	require.NoError(t, store.AddThreadParticipant(ctx, db, thread.ID, "oncall", now))

	_, err = store.AppendMessage(ctx, db, models.Message{
		ThreadID: thread.ID, SenderAgentID: "reporter", Kind: models.MessageKindChat, Body: "help",
	}, now)
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, "ws1", 12, false, now.Add(time.Minute))
	require.NoError(t, err)

	result2, err := r.Reconcile(ctx, "ws1", 12, false, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), result2.Stats.DormantUnreadParticipants)
	require.Equal(t, int64(1), result2.Stats.DeduplicatedParticipants)
	require.Empty(t, result2.Candidates)
}

func TestReconcile_ClosedThreadExcludedUnlessRequested(t *testing.T) {
	r, db := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	thread, err := store.CreateThread(ctx, db, "ws1", "incident", models.ThreadTypeIncident, now)
	require.NoError(t, err)
	require.NoError(t, store.AddThreadParticipant(ctx, db, thread.ID, "reporter", now))
	require.NoError(t, store.AddThreadParticipant(ctx, db, thread.ID, "oncall", now))

	_, err = store.AppendMessage(ctx, db, models.Message{
		ThreadID: thread.ID, SenderAgentID: "reporter", Kind: models.MessageKindChat, Body: "help",
	}, now)
	require.NoError(t, err)

	require.NoError(t, store.TransitionThreadStatus(ctx, db, thread.ID, models.ThreadStatusClosed, now.Add(30*time.Second)))

	result, err := r.Reconcile(ctx, "ws1", 12, false, now.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, result.Candidates)

	resultIncludingClosed, err := r.Reconcile(ctx, "ws1", 12, true, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, resultIncludingClosed.Candidates, 1)
}
