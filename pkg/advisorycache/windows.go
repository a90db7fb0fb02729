package advisorycache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// scope names partition the underlying Cache so crash-loop, breaker, and
// rate-limit bookkeeping never collide on key even when reusing the same
// (workspaceID, agentID) scopeID.
const (
	scopeCrashLoop  = "crash_loop"
	scopeBreaker    = "breaker"
	scopeRateWindow = "rate_window"
)

// RecordSpawn appends a spawn timestamp to the sliding window for
// (workspaceID, agentID) and reports how many spawns remain within window as
// of now. Entries outside window are pruned lazily on each call via TTL.
func RecordSpawn(c Cache, workspaceID, agentID string, now time.Time, window time.Duration) int {
	key := fmt.Sprintf("%d", now.UnixNano())
	_ = c.Set(scopeCrashLoop, scopeID(workspaceID, agentID), key, now.Format(time.RFC3339Nano), WithTTL(window))
	return len(c.List(scopeCrashLoop, scopeID(workspaceID, agentID)))
}

// SpawnCountInWindow returns how many spawns are currently tracked within
// the crash-loop window for (workspaceID, agentID), without recording a new one.
func SpawnCountInWindow(c Cache, workspaceID, agentID string) int {
	return len(c.List(scopeCrashLoop, scopeID(workspaceID, agentID)))
}

// BreakerState is the per-process backlog-breaker status for one workspace.
type BreakerState struct {
	Open         bool
	CooldownUntil time.Time
}

// TripBreaker opens the backlog breaker for workspaceID until now+cooldown.
func TripBreaker(c Cache, workspaceID string, now time.Time, cooldown time.Duration) {
	until := now.Add(cooldown)
	_ = c.Set(scopeBreaker, workspaceID, "state", until.Format(time.RFC3339Nano), WithTTL(cooldown))
}

// GetBreakerState reports whether the breaker is currently open for
// workspaceID. The breaker auto-closes once its cooldown entry expires.
func GetBreakerState(c Cache, workspaceID string, now time.Time) BreakerState {
	e, ok := c.Get(scopeBreaker, workspaceID, "state")
	if !ok {
		return BreakerState{}
	}
	until, err := time.Parse(time.RFC3339Nano, e.Value)
	if err != nil {
		return BreakerState{}
	}
	if now.After(until) {
		return BreakerState{}
	}
	return BreakerState{Open: true, CooldownUntil: until}
}

// RecordTrigger appends a trigger timestamp to the rate-limit window for
// (workspaceID, agentID) and returns the updated count within window plus
// the most recent prior trigger time (zero if none), so the caller can
// enforce both a per-window cap and a minimum inter-trigger spacing.
func RecordTrigger(c Cache, workspaceID, agentID string, now time.Time, window time.Duration) (count int, lastTriggerAt time.Time) {
	entries := c.List(scopeRateWindow, scopeID(workspaceID, agentID))
	for _, e := range entries {
		if t, err := time.Parse(time.RFC3339Nano, e.Value); err == nil && t.After(lastTriggerAt) {
			lastTriggerAt = t
		}
	}
	key := strconv.FormatInt(now.UnixNano(), 10) + "_" + strconv.Itoa(len(entries))
	_ = c.Set(scopeRateWindow, scopeID(workspaceID, agentID), key, now.Format(time.RFC3339Nano), WithTTL(window))
	return len(c.List(scopeRateWindow, scopeID(workspaceID, agentID))), lastTriggerAt
}

// TriggerCountInWindow reports the current count without recording a new trigger.
func TriggerCountInWindow(c Cache, workspaceID, agentID string) int {
	return len(c.List(scopeRateWindow, scopeID(workspaceID, agentID)))
}

func scopeID(workspaceID, agentID string) string {
	return strings.Join([]string{workspaceID, agentID}, "\x00")
}
