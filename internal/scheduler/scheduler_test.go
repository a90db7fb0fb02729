package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
	"github.com/dotcommander/orkiva/pkg/advisorycache"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cache := advisorycache.New(1024)
	return New(db, cache, cfg), db
}

func seedThread(t *testing.T, ctx context.Context, db *sql.DB, now time.Time) *models.Thread {
	t.Helper()
	thread, err := store.CreateThread(ctx, db, "ws1", "incident", models.ThreadTypeIncident, now)
	require.NoError(t, err)
	return thread
}

func TestSchedule_EnqueuesNewJobForCandidate(t *testing.T) {
	s, db := newTestScheduler(t, Config{
		MaxTriggersPerWindow: 10,
		Window:               time.Minute,
		BreakerBacklogThresh: 1000,
		BreakerCooldown:      time.Minute,
	})
	ctx := context.Background()
	now := time.Now().UTC()
	thread := seedThread(t, ctx, db, now)

	result, err := s.Schedule(ctx, "ws1", []models.UnreadCandidate{
		{ThreadID: thread.ID, WorkspaceID: "ws1", ParticipantID: "agent1", UnreadCount: 2, LatestSeq: 2, Reason: "unread"},
	}, 2, now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Enqueued)
	require.Equal(t, 0, result.ReusedExisting)
	require.False(t, result.BreakerOpen)
}

func TestSchedule_ReusesOpenJobForSameParticipant(t *testing.T) {
	s, db := newTestScheduler(t, Config{
		MaxTriggersPerWindow: 10,
		Window:               time.Minute,
		BreakerBacklogThresh: 1000,
		BreakerCooldown:      time.Minute,
	})
	ctx := context.Background()
	now := time.Now().UTC()
	thread := seedThread(t, ctx, db, now)

	candidate := models.UnreadCandidate{ThreadID: thread.ID, WorkspaceID: "ws1", ParticipantID: "agent1", UnreadCount: 1, LatestSeq: 1, Reason: "unread"}
	_, err := s.Schedule(ctx, "ws1", []models.UnreadCandidate{candidate}, 2, now)
	require.NoError(t, err)

	candidate.LatestSeq = 2
	candidate.UnreadCount = 2
	result, err := s.Schedule(ctx, "ws1", []models.UnreadCandidate{candidate}, 2, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, result.Enqueued)
	require.Equal(t, 1, result.ReusedExisting)
}

func TestSchedule_BreakerOpensAtBacklogThreshold(t *testing.T) {
	s, db := newTestScheduler(t, Config{
		MaxTriggersPerWindow: 10,
		Window:               time.Minute,
		BreakerBacklogThresh: 1,
		BreakerCooldown:      time.Hour,
	})
	ctx := context.Background()
	now := time.Now().UTC()
	thread := seedThread(t, ctx, db, now)

	_, err := s.Schedule(ctx, "ws1", []models.UnreadCandidate{
		{ThreadID: thread.ID, WorkspaceID: "ws1", ParticipantID: "agent1", UnreadCount: 1, LatestSeq: 1, Reason: "unread"},
	}, 2, now)
	require.NoError(t, err)

	result, err := s.Schedule(ctx, "ws1", []models.UnreadCandidate{
		{ThreadID: thread.ID, WorkspaceID: "ws1", ParticipantID: "agent2", UnreadCount: 1, LatestSeq: 1, Reason: "unread"},
	}, 2, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, result.BreakerOpen)
	require.Equal(t, 1, result.SuppressedByBreaker)
	require.Equal(t, 0, result.Enqueued)
}

func TestSchedule_RateLimitSuppressesExcessTriggers(t *testing.T) {
	s, db := newTestScheduler(t, Config{
		MaxTriggersPerWindow: 1,
		Window:               time.Minute,
		BreakerBacklogThresh: 1000,
		BreakerCooldown:      time.Minute,
	})
	ctx := context.Background()
	now := time.Now().UTC()
	threadA := seedThread(t, ctx, db, now)
	threadB, err := store.CreateThread(ctx, db, "ws1", "another incident", models.ThreadTypeIncident, now)
	require.NoError(t, err)

	result, err := s.Schedule(ctx, "ws1", []models.UnreadCandidate{
		{ThreadID: threadA.ID, WorkspaceID: "ws1", ParticipantID: "agent1", UnreadCount: 1, LatestSeq: 1, Reason: "unread"},
		{ThreadID: threadB.ID, WorkspaceID: "ws1", ParticipantID: "agent1", UnreadCount: 1, LatestSeq: 1, Reason: "unread"},
	}, 2, now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Enqueued)
	require.Equal(t, 1, result.SuppressedByBudget)
}
