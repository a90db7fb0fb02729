package callback

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/store"
)

// seedTriggerJob enqueues a real trigger job row (and its parent thread) so
// PostOne's underlying AppendTriggerAttemptTx/SetTriggerJobStatusTx calls
// satisfy the trigger_attempts -> trigger_jobs foreign key.
func seedTriggerJob(t *testing.T, ctx context.Context, db *sql.DB, now time.Time) *models.TriggerJob {
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

func TestPostOne_DeliveredOnSuccess(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("authorization")
		gotBody = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now().UTC()
	job := seedTriggerJob(t, ctx, db, now)
	job.Attempts = 1

	p := New(db, Config{BaseURL: srv.URL, AccessToken: "tok123", MaxRetries: 2})
	require.NoError(t, p.PostOne(ctx, job, "delivered", now))
	require.Equal(t, "Bearer tok123", gotAuth)
	require.Equal(t, "/v1/mcp/post_message", gotBody)

	updated, err := store.GetTriggerJob(ctx, db, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerStatusCallbackDelivered, updated.Status)
}

func TestPostOne_RetriesOn5xxThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now().UTC()
	job := seedTriggerJob(t, ctx, db, now)
	job.Attempts = 1

	p := New(db, Config{BaseURL: srv.URL, AccessToken: "tok123", MaxRetries: 2, DefaultBackoff: time.Second})

	require.NoError(t, p.PostOne(ctx, job, "delivered", now))
	updated, err := store.GetTriggerJob(ctx, db, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerStatusCallbackRetry, updated.Status)
	require.NotNil(t, updated.TriggeringLeaseExpiresAt)

	// Next attempt reaches MaxRetries, so it is exhausted instead of retried.
	job.Attempts = 2
	require.NoError(t, p.PostOne(ctx, job, "delivered", now.Add(time.Second)))
	updated, err = store.GetTriggerJob(ctx, db, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerStatusCallbackFailed, updated.Status)
}

func TestPostOne_MissingAccessTokenFailsImmediately(t *testing.T) {
	ctx := context.Background()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now().UTC()
	job := seedTriggerJob(t, ctx, db, now)
	job.Attempts = 1

	p := New(db, Config{BaseURL: "http://127.0.0.1:0"})
	require.NoError(t, p.PostOne(ctx, job, "delivered", now))

	updated, err := store.GetTriggerJob(ctx, db, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerStatusCallbackFailed, updated.Status)
}
