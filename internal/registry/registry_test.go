package registry

import (
	"context"
	"testing"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
	"github.com/stretchr/testify/require"
)

func TestUpsertFromHeartbeat_InsertsThenIgnoresStale(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := New(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rec, err := r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Resumable: true,
		Status: models.SessionStatusActive, HeartbeatAt: base,
	})
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusActive, rec.Status)

	// A stale heartbeat (earlier timestamp) must not regress the stored record.
	_, err = r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Resumable: true,
		Status: models.SessionStatusOffline, HeartbeatAt: base.Add(-time.Hour),
	})
	require.NoError(t, err)

	got, err := r.Get(ctx, "agent1", "ws1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusActive, got.Status)
}

func TestUpsertFromHeartbeat_ScopeMismatch(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err = r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Status: models.SessionStatusActive, HeartbeatAt: now,
	})
	require.NoError(t, err)

	_, err = r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess2", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Status: models.SessionStatusActive, HeartbeatAt: now.Add(time.Minute),
	})
	require.Error(t, err)
	var mismatch interface{ ErrorCode() string }
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "SESSION_SCOPE_MISMATCH", mismatch.ErrorCode())
}

func TestReconcileWorkspaceRuntimes_RejectsNonPositiveStaleAfterHours(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := New(db)
	_, err = r.ReconcileWorkspaceRuntimes(context.Background(), "ws1", 0, time.Now())
	require.Error(t, err)
	var invalid *models.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
}

func TestReconcileWorkspaceRuntimes_TransitionsStaleToOffline(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := New(db)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	_, err = r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Status: models.SessionStatusActive, HeartbeatAt: old,
	})
	require.NoError(t, err)

	stats, err := r.ReconcileWorkspaceRuntimes(ctx, "ws1", 12, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.CheckedRuntimes)
	require.Equal(t, int64(1), stats.TransitionedOffline)

	got, err := r.Get(ctx, "agent1", "ws1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusOffline, got.Status)
}

func TestReconcileWorkspaceRuntimes_DoesNotTouchOtherWorkspaces(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := New(db)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	_, err = r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Status: models.SessionStatusActive, HeartbeatAt: old,
	})
	require.NoError(t, err)

	_, err = r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws2", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Status: models.SessionStatusActive, HeartbeatAt: old,
	})
	require.NoError(t, err)

	// Reconciling ws1 must flip only ws1's stale session; ws2's equally stale
	// session, belonging to a different workspace, must be left untouched.
	stats, err := r.ReconcileWorkspaceRuntimes(ctx, "ws1", 12, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.CheckedRuntimes)
	require.Equal(t, int64(1), stats.TransitionedOffline)

	gotWs1, err := r.Get(ctx, "agent1", "ws1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusOffline, gotWs1.Status)

	gotWs2, err := r.Get(ctx, "agent1", "ws2")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusActive, gotWs2.Status)
}

func TestDeregisterRuntime_MarksOfflineAndNotResumable(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err = r.UpsertFromHeartbeat(ctx, Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Resumable: true,
		Status: models.SessionStatusActive, HeartbeatAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, r.DeregisterRuntime(ctx, "agent1", "ws1", now.Add(time.Minute)))

	got, err := r.Get(ctx, "agent1", "ws1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusOffline, got.Status)
	require.False(t, got.Resumable)
}
