package worker

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/orkiva/internal/callback"
	"github.com/dotcommander/orkiva/internal/fallback"
	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/pty"
	"github.com/dotcommander/orkiva/internal/registry"
	"github.com/dotcommander/orkiva/internal/store"
	"github.com/dotcommander/orkiva/pkg/advisorycache"
)

// stubLauncher never starts a real process; it satisfies fallback's
// unexported launcher interface structurally.
type stubLauncher struct{}

func (stubLauncher) Start(args []string) fallback.LaunchResult {
	return fallback.LaunchResult{Started: true, Pid: 1}
}

func newTestWorker(t *testing.T, callbackBaseURL string) (*Worker, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(db)
	cache := advisorycache.New(1024)
	fb := fallback.New(reg, cache, stubLauncher{}, fallback.Config{
		ResumeMaxAttempts: 2,
		StaleAfterHours:   12,
	})
	delivery, err := pty.New()
	require.NoError(t, err)
	cb := callback.New(db, callback.Config{BaseURL: callbackBaseURL, AccessToken: "tok"})

	w := New(db, reg, delivery, fb, cb, Config{
		MaxParallelJobs:     4,
		AckTimeout:          30 * time.Millisecond,
		AckPollInterval:     5 * time.Millisecond,
		TriggeringLeaseTime: time.Minute,
		Recheck:             time.Second,
		MaxDefer:            time.Minute,
	}, "test-worker")
	return w, db
}

func seedQueuedJob(t *testing.T, ctx context.Context, db *sql.DB, now time.Time) *models.TriggerJob {
	t.Helper()
	thread, err := store.CreateThread(ctx, db, "ws1", "incident", models.ThreadTypeIncident, now)
	require.NoError(t, err)

	var job *models.TriggerJob
	err = store.Transact(ctx, db, func(tx *sql.Tx) error {
		created, _, err := store.EnqueueTriggerJobTx(tx, models.TriggerJob{
			ThreadID:      thread.ID,
			WorkspaceID:   "ws1",
			TargetAgentID: "agent1",
			Reason:        "unread",
			Prompt:        "please respond",
			LatestSeq:     1,
		}, now)
		job = created
		return err
	})
	require.NoError(t, err)
	return job
}

func TestProcessDueJobs_NoSessionFallsBackToSpawn(t *testing.T) {
	w, db := newTestWorker(t, "http://127.0.0.1:0")
	ctx := context.Background()
	now := time.Now().UTC()

	seedQueuedJob(t, ctx, db, now)

	stats, err := w.ProcessDueJobs(ctx, "ws1", 10, now)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Claimed)
	// No session_registry row for agent1, so delivery is never attempted and
	// the job falls straight into the fallback path, which the stub launcher
	// reports as a successful spawn.
	require.Equal(t, 1, stats.FallbackSpawned)
	require.Equal(t, 1, stats.CallbackQueued)
}

func TestProcessDueJobs_CallbackPendingJobIsPosted(t *testing.T) {
	var posted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, db := newTestWorker(t, srv.URL)
	ctx := context.Background()
	now := time.Now().UTC()

	job := seedQueuedJob(t, ctx, db, now)
	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		// Claim first, as a delivery pass would, so the delivered attempt row
		// carries the post-claim counter (1) and the callback's own attempt
		// row (2) does not collide with it.
		claimed, err := store.ClaimNextTriggerJobTx(tx, "ws1", "test-worker", time.Minute, nil, now)
		if err != nil {
			return err
		}
		if _, err := store.AppendTriggerAttemptTx(tx, job.ID, claimed.Attempts, "delivered", "", "", now); err != nil {
			return err
		}
		return store.EnqueueCallbackTx(tx, job.ID, now)
	}))

	stats, err := w.ProcessDueJobs(ctx, "ws1", 10, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Claimed)
	require.Equal(t, 1, stats.CallbackPosted)
	require.True(t, posted)

	updated, err := store.GetTriggerJob(ctx, db, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerStatusCallbackDelivered, updated.Status)
}

func TestReconcileFallbackRuns_OrphanedProcessIsReaped(t *testing.T) {
	w, db := newTestWorker(t, "http://127.0.0.1:0")
	w.cfg.FallbackExecTimeout = time.Millisecond
	w.cfg.FallbackKillGrace = time.Millisecond
	ctx := context.Background()
	now := time.Now().UTC()

	job := seedQueuedJob(t, ctx, db, now)

	// A process that has already exited: its pid is immediately reapable as
	// orphaned once the sweep signals it and finds nothing listening.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	exitedPid := cmd.Process.Pid

	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := store.StartTriggerFallbackRunTx(tx, job.ID, models.LaunchModeSpawn, exitedPid, now.Add(-time.Hour))
		return err
	}))

	stats, err := w.ReconcileFallbackRuns(ctx, "ws1", 10, now)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Scanned)
	require.Equal(t, 1, stats.Orphaned)

	updated, err := store.GetTriggerJob(ctx, db, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerStatusCallbackPending, updated.Status)
}

func TestBackoffIsCappedAtMaxDefer(t *testing.T) {
	d := backoff(20, time.Second, 10*time.Second)
	require.LessOrEqual(t, d, 12*time.Second)
	require.Greater(t, d, time.Duration(0))
}

func TestIsRetryableDeliveryCode_PaneDeadAndSendKeysErrorAreRetryable(t *testing.T) {
	require.True(t, isRetryableDeliveryCode("PANE_DEAD"))
	require.True(t, isRetryableDeliveryCode("SEND_KEYS_ERROR"))
}

func TestIsRetryableDeliveryCode_TargetNotFoundGoesStraightToFallback(t *testing.T) {
	require.False(t, isRetryableDeliveryCode("TARGET_NOT_FOUND"))
	require.False(t, isRetryableDeliveryCode("UNSUPPORTED_RUNTIME"))
}
