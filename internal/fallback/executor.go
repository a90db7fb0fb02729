// Package fallback implements the resume/spawn escape hatch C7 reaches for
// when PTY delivery to an already-running agent fails or times out: resume
// the agent's last session if possible, else spawn a fresh one, guarded by a
// crash-loop breaker so a broken agent binary can't spin forever.
package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/registry"
	"github.com/dotcommander/orkiva/pkg/advisorycache"
)

// Config tunes the resume/spawn algorithm.
type Config struct {
	ResumeMaxAttempts    int
	StaleAfterHours      int
	CrashLoopThreshold   int
	CrashLoopWindow      time.Duration
	AllowDangerousBypass bool
}

// DefaultConfig matches the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		ResumeMaxAttempts:  2,
		StaleAfterHours:    12,
		CrashLoopThreshold: 3,
		CrashLoopWindow:    15 * time.Minute,
	}
}

// AttemptResult tags the outcome of one Resolve call for the attempt log.
type AttemptResult string

const (
	AttemptResultResumeSucceeded AttemptResult = "fallback_resume_succeeded"
	AttemptResultSpawned         AttemptResult = "fallback_spawned"
	AttemptResultResumeFailed    AttemptResult = "fallback_resume_failed"
)

// Outcome is the result of running the fallback algorithm for one job attempt.
type Outcome struct {
	AttemptResult AttemptResult
	NextStatus    models.TriggerStatus
	LaunchMode    models.LaunchMode
	Pid           int
	ErrorCode     string
	Details       map[string]string
}

// processLauncher is the subset of Launcher's surface Executor depends on,
// so tests substitute a fake launcher without spawning real processes.
type processLauncher interface {
	Start(args []string) LaunchResult
}

// Executor runs the resume/spawn algorithm.
type Executor struct {
	registry *registry.Registry
	cache    advisorycache.Cache
	launcher processLauncher
	cfg      Config
}

// New returns an Executor wired to the runtime registry, the advisory cache
// used for the crash-loop sliding window, and a process launcher.
func New(reg *registry.Registry, cache advisorycache.Cache, launcher processLauncher, cfg Config) *Executor {
	if cfg.ResumeMaxAttempts <= 0 {
		cfg.ResumeMaxAttempts = 2
	}
	if cfg.CrashLoopThreshold <= 0 {
		cfg.CrashLoopThreshold = 3
	}
	if cfg.CrashLoopWindow <= 0 {
		cfg.CrashLoopWindow = 15 * time.Minute
	}
	return &Executor{registry: reg, cache: cache, launcher: launcher, cfg: cfg}
}

// Resolve runs the resume-then-spawn algorithm for job, given the prompt to
// hand the agent and the error code that triggered fallback.
func (e *Executor) Resolve(ctx context.Context, job *models.TriggerJob, prompt, initialErrorCode string, now time.Time) Outcome {
	session, err := e.registry.Get(ctx, job.TargetAgentID, job.WorkspaceID)
	resumeSkippedReason := ""
	switch {
	case err != nil:
		resumeSkippedReason = "NO_SESSION"
	case session == nil:
		resumeSkippedReason = "NO_SESSION"
	case session.IsStale(e.cfg.StaleAfterHours, now):
		resumeSkippedReason = "SESSION_STALE"
	case !session.Resumable:
		resumeSkippedReason = "NOT_RESUMABLE"
	}

	if resumeSkippedReason == "" {
		for i := 1; i <= e.cfg.ResumeMaxAttempts; i++ {
			args := ResumeArgs(session.SessionID, prompt, e.cfg.AllowDangerousBypass)
			res := e.launcher.Start(args)
			if res.Started {
				return Outcome{
					AttemptResult: AttemptResultResumeSucceeded,
					NextStatus:    models.TriggerStatusFallbackResume,
					LaunchMode:    models.LaunchModeResume,
					Pid:           res.Pid,
					Details: map[string]string{
						"resume_attempt":      fmt.Sprintf("%d", i),
						"resume_max_attempts": fmt.Sprintf("%d", e.cfg.ResumeMaxAttempts),
					},
				}
			}
		}
	}

	if e.crashLooping(job.WorkspaceID, job.TargetAgentID, now) {
		return Outcome{
			AttemptResult: AttemptResultResumeFailed,
			NextStatus:    models.TriggerStatusFailed,
			ErrorCode:     "FALLBACK_CRASH_LOOP",
			Details: map[string]string{
				"resume_skipped_reason": resumeSkippedReason,
				"initial_error_code":    initialErrorCode,
			},
		}
	}

	spawnArgs := SpawnArgs(prompt, e.cfg.AllowDangerousBypass)
	res := e.launcher.Start(spawnArgs)
	advisorycache.RecordSpawn(e.cache, job.WorkspaceID, job.TargetAgentID, now, e.cfg.CrashLoopWindow)
	if res.Started {
		return Outcome{
			AttemptResult: AttemptResultSpawned,
			NextStatus:    models.TriggerStatusFallbackSpawn,
			LaunchMode:    models.LaunchModeSpawn,
			Pid:           res.Pid,
		}
	}

	return Outcome{
		AttemptResult: AttemptResultResumeFailed,
		NextStatus:    models.TriggerStatusFailed,
		ErrorCode:     "FALLBACK_SPAWN_FAILED",
		Details: map[string]string{
			"resume_skipped_reason": resumeSkippedReason,
			"error_message":         res.ErrorMessage,
			"initial_error_code":    initialErrorCode,
		},
	}
}

// crashLooping reports whether CrashLoopThreshold spawns have already
// occurred within CrashLoopWindow for (workspaceID, agentID), short-
// circuiting a further spawn attempt before it's even tried.
func (e *Executor) crashLooping(workspaceID, agentID string, now time.Time) bool {
	return advisorycache.SpawnCountInWindow(e.cache, workspaceID, agentID) >= e.cfg.CrashLoopThreshold
}
