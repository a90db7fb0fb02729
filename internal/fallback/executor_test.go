package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/registry"
	"github.com/dotcommander/orkiva/internal/store"
	"github.com/dotcommander/orkiva/pkg/advisorycache"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	results []LaunchResult
	calls   int
}

func (f *fakeLauncher) Start(args []string) LaunchResult {
	if f.calls >= len(f.results) {
		return LaunchResult{Started: false, ErrorMessage: "no more fake results"}
	}
	r := f.results[f.calls]
	f.calls++
	return r
}

func newTestExecutor(t *testing.T, launcher processLauncher, cfg Config) (*Executor, *registry.Registry) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(db)
	cache := advisorycache.New(100)
	return New(reg, cache, launcher, cfg), reg
}

func TestResolve_ResumesWhenSessionResumable(t *testing.T) {
	launcher := &fakeLauncher{results: []LaunchResult{{Started: true, Pid: 111}}}
	exec, reg := newTestExecutor(t, launcher, DefaultConfig())
	now := time.Now().UTC()

	_, err := reg.UpsertFromHeartbeat(context.Background(), registry.Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Resumable: true,
		Status: models.SessionStatusActive, HeartbeatAt: now,
	})
	require.NoError(t, err)

	job := &models.TriggerJob{TargetAgentID: "agent1", WorkspaceID: "ws1"}
	outcome := exec.Resolve(context.Background(), job, "do the thing", "ACK_TIMEOUT", now)

	require.Equal(t, AttemptResultResumeSucceeded, outcome.AttemptResult)
	require.Equal(t, models.TriggerStatusFallbackResume, outcome.NextStatus)
	require.Equal(t, models.LaunchModeResume, outcome.LaunchMode)
	require.Equal(t, 111, outcome.Pid)
	require.Equal(t, 1, launcher.calls)
}

func TestResolve_FallsThroughToSpawnWhenNotResumable(t *testing.T) {
	launcher := &fakeLauncher{results: []LaunchResult{{Started: true, Pid: 222}}}
	exec, reg := newTestExecutor(t, launcher, DefaultConfig())
	now := time.Now().UTC()

	_, err := reg.UpsertFromHeartbeat(context.Background(), registry.Heartbeat{
		AgentID: "agent1", WorkspaceID: "ws1", SessionID: "sess1", Runtime: "tmux:main:0.0",
		ManagementMode: models.ManagementModeManaged, Resumable: false,
		Status: models.SessionStatusActive, HeartbeatAt: now,
	})
	require.NoError(t, err)

	job := &models.TriggerJob{TargetAgentID: "agent1", WorkspaceID: "ws1"}
	outcome := exec.Resolve(context.Background(), job, "do the thing", "SEND_KEYS_ERROR", now)

	require.Equal(t, AttemptResultSpawned, outcome.AttemptResult)
	require.Equal(t, models.TriggerStatusFallbackSpawn, outcome.NextStatus)
	require.Equal(t, models.LaunchModeSpawn, outcome.LaunchMode)
	require.Equal(t, 222, outcome.Pid)
}

func TestResolve_NoSessionSkipsStraightToSpawn(t *testing.T) {
	launcher := &fakeLauncher{results: []LaunchResult{{Started: true, Pid: 333}}}
	exec, _ := newTestExecutor(t, launcher, DefaultConfig())
	now := time.Now().UTC()

	job := &models.TriggerJob{TargetAgentID: "agent1", WorkspaceID: "ws1"}
	outcome := exec.Resolve(context.Background(), job, "do the thing", "TARGET_NOT_FOUND", now)

	require.Equal(t, AttemptResultSpawned, outcome.AttemptResult)
	require.Equal(t, models.LaunchModeSpawn, outcome.LaunchMode)
}

func TestResolve_SpawnFailureReportsFallbackSpawnFailed(t *testing.T) {
	launcher := &fakeLauncher{results: []LaunchResult{{Started: false, ErrorMessage: "boom"}}}
	exec, _ := newTestExecutor(t, launcher, DefaultConfig())
	now := time.Now().UTC()

	job := &models.TriggerJob{TargetAgentID: "agent1", WorkspaceID: "ws1"}
	outcome := exec.Resolve(context.Background(), job, "do the thing", "TARGET_NOT_FOUND", now)

	require.Equal(t, AttemptResultResumeFailed, outcome.AttemptResult)
	require.Equal(t, models.TriggerStatusFailed, outcome.NextStatus)
	require.Equal(t, "FALLBACK_SPAWN_FAILED", outcome.ErrorCode)
}

func TestResolve_CrashLoopGuardShortCircuitsSpawn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrashLoopThreshold = 2
	cfg.CrashLoopWindow = time.Minute

	launcher := &fakeLauncher{results: []LaunchResult{
		{Started: true, Pid: 1}, {Started: true, Pid: 2}, {Started: true, Pid: 3},
	}}
	exec, cache := newTestExecutorWithCache(t, launcher, cfg)
	now := time.Now().UTC()

	job := &models.TriggerJob{TargetAgentID: "agent1", WorkspaceID: "ws1"}

	o1 := exec.Resolve(context.Background(), job, "p", "TARGET_NOT_FOUND", now)
	require.Equal(t, AttemptResultSpawned, o1.AttemptResult)
	o2 := exec.Resolve(context.Background(), job, "p", "TARGET_NOT_FOUND", now.Add(time.Second))
	require.Equal(t, AttemptResultSpawned, o2.AttemptResult)

	require.Equal(t, 2, advisorycache.SpawnCountInWindow(cache, "ws1", "agent1"))

	o3 := exec.Resolve(context.Background(), job, "p", "TARGET_NOT_FOUND", now.Add(2*time.Second))
	require.Equal(t, models.TriggerStatusFailed, o3.NextStatus)
	require.Equal(t, "FALLBACK_CRASH_LOOP", o3.ErrorCode)
}

func newTestExecutorWithCache(t *testing.T, launcher processLauncher, cfg Config) (*Executor, advisorycache.Cache) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(db)
	cache := advisorycache.New(100)
	return New(reg, cache, launcher, cfg), cache
}
