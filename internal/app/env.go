package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the daemon/worker's environment-driven configuration, loaded via
// os.Getenv from WORKSPACE_ID, AUTH_*, SESSION_STALE_AFTER_HOURS,
// TRIGGER_*/TRIGGERING_*, AUTO_UNREAD_*, WORKER_*, and METRICS_ADDR. Most
// fields have an explicit fallback default; WORKSPACE_ID and one of
// AUTH_JWKS_URL or AUTH_JWKS_JSON are required and have none.
type Config struct {
	WorkspaceID string

	AuthJWKSURL  string
	AuthJWKSJSON string
	AuthIssuer   string
	AuthAudience string

	SessionStaleAfterHours int

	TriggerAckTimeout        time.Duration
	TriggerMaxRetries        int
	TriggerResumeMaxAttempts int
	TriggerQuietWindow       time.Duration
	TriggerRecheck           time.Duration
	TriggerMaxDefer          time.Duration
	TriggerRateLimitPerMin   int
	TriggeringLeaseTimeout   time.Duration

	AutoUnreadEnabled               bool
	AutoUnreadMaxTriggersPerWindow  int
	AutoUnreadWindow                time.Duration
	AutoUnreadMinInterval           time.Duration
	AutoUnreadBreakerBacklogThresh  int
	AutoUnreadBreakerCooldown       time.Duration

	WorkerPollInterval          time.Duration
	WorkerMaxParallelJobs        int
	WorkerBridgeAPIBaseURL       string
	WorkerBridgeAccessToken      string
	WorkerMinJobCreatedAt        *time.Time
	WorkerCallbackMaxRetries     int
	WorkerCallbackRequestTimeout time.Duration
	WorkerFallbackAllowDangerous bool
	WorkerFallbackExecTimeout    time.Duration
	WorkerFallbackKillGrace      time.Duration
	WorkerFallbackMaxActiveGlobal   int
	WorkerFallbackMaxActivePerAgent int

	MetricsAddr string
}

// LoadConfig reads Config from the environment, applying defaults for every
// unset variable and rejecting values this build cannot honor.
// ENABLE_AUTOMATED_REDACTION is checked here because a "true"
// value would mean this process is running in a mode this repo never
// implements — it is safer to refuse to start than to silently ignore it.
func LoadConfig() (Config, error) {
	if v := os.Getenv("ENABLE_AUTOMATED_REDACTION"); v != "" && v != "false" && v != "0" {
		return Config{}, fmt.Errorf("ENABLE_AUTOMATED_REDACTION must be false or unset; this build does not implement redaction")
	}

	var errs []string
	cfg := Config{
		WorkspaceID:  os.Getenv("WORKSPACE_ID"),
		AuthJWKSURL:  os.Getenv("AUTH_JWKS_URL"),
		AuthJWKSJSON: os.Getenv("AUTH_JWKS_JSON"),
		AuthIssuer:   os.Getenv("AUTH_ISSUER"),
		AuthAudience: envOrDefault("AUTH_AUDIENCE", "orkiva"),

		WorkerBridgeAPIBaseURL:  envOrDefault("WORKER_BRIDGE_API_BASE_URL", "http://127.0.0.1:3000"),
		WorkerBridgeAccessToken: os.Getenv("WORKER_BRIDGE_ACCESS_TOKEN"),
		MetricsAddr:             envOrDefault("METRICS_ADDR", "127.0.0.1:9090"),
	}

	if cfg.WorkspaceID == "" {
		errs = append(errs, "WORKSPACE_ID is required")
	}
	if cfg.AuthJWKSURL == "" && cfg.AuthJWKSJSON == "" {
		errs = append(errs, "one of AUTH_JWKS_URL or AUTH_JWKS_JSON is required")
	}

	cfg.SessionStaleAfterHours = envInt("SESSION_STALE_AFTER_HOURS", 12, &errs, minPositive)

	cfg.TriggerAckTimeout = envMillis("TRIGGER_ACK_TIMEOUT_MS", 8000, &errs, minPositive)
	cfg.TriggerMaxRetries = envInt("TRIGGER_MAX_RETRIES", 2, &errs, minNonNegative)
	cfg.TriggerResumeMaxAttempts = envInt("TRIGGER_RESUME_MAX_ATTEMPTS", 2, &errs, minNonNegative)
	cfg.TriggerQuietWindow = envMillis("TRIGGER_QUIET_WINDOW_MS", 20000, &errs, minNonNegative)
	cfg.TriggerRecheck = envMillis("TRIGGER_RECHECK_MS", 5000, &errs, minPositive)
	cfg.TriggerMaxDefer = envMillis("TRIGGER_MAX_DEFER_MS", 60000, &errs, minPositive)
	cfg.TriggerRateLimitPerMin = envInt("TRIGGER_RATE_LIMIT_PER_MINUTE", 10, &errs, minPositive)
	cfg.TriggeringLeaseTimeout = envMillis("TRIGGERING_LEASE_TIMEOUT_MS", 45000, &errs, minPositive)

	cfg.AutoUnreadEnabled = envBool("AUTO_UNREAD_ENABLED", true)
	cfg.AutoUnreadMaxTriggersPerWindow = envInt("AUTO_UNREAD_MAX_TRIGGERS_PER_WINDOW", 3, &errs, minPositive)
	cfg.AutoUnreadWindow = envMillis("AUTO_UNREAD_WINDOW_MS", 300000, &errs, minPositive)
	cfg.AutoUnreadMinInterval = envMillis("AUTO_UNREAD_MIN_INTERVAL_MS", 30000, &errs, minNonNegative)
	cfg.AutoUnreadBreakerBacklogThresh = envInt("AUTO_UNREAD_BREAKER_BACKLOG_THRESHOLD", 50, &errs, minPositive)
	cfg.AutoUnreadBreakerCooldown = envMillis("AUTO_UNREAD_BREAKER_COOLDOWN_MS", 60000, &errs, minPositive)

	cfg.WorkerPollInterval = envMillis("WORKER_POLL_INTERVAL_MS", 5000, &errs, minPositive)
	cfg.WorkerMaxParallelJobs = envInt("WORKER_MAX_PARALLEL_JOBS", 10, &errs, minPositive)
	cfg.WorkerCallbackMaxRetries = envInt("WORKER_CALLBACK_MAX_RETRIES", 3, &errs, minNonNegative)
	cfg.WorkerCallbackRequestTimeout = envMillis("WORKER_CALLBACK_REQUEST_TIMEOUT_MS", 8000, &errs, minPositive)
	cfg.WorkerFallbackAllowDangerous = envBool("WORKER_FALLBACK_ALLOW_DANGEROUS_BYPASS", false)
	cfg.WorkerFallbackExecTimeout = envMillis("WORKER_FALLBACK_EXEC_TIMEOUT_MS", 900000, &errs, minPositive)
	cfg.WorkerFallbackKillGrace = envMillis("WORKER_FALLBACK_KILL_GRACE_MS", 5000, &errs, minPositive)
	cfg.WorkerFallbackMaxActiveGlobal = envInt("WORKER_FALLBACK_MAX_ACTIVE_GLOBAL", 8, &errs, minPositive)
	cfg.WorkerFallbackMaxActivePerAgent = envInt("WORKER_FALLBACK_MAX_ACTIVE_PER_AGENT", 2, &errs, minPositive)

	if v := os.Getenv("WORKER_MIN_JOB_CREATED_AT"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("WORKER_MIN_JOB_CREATED_AT: invalid ISO-8601 timestamp %q", v))
		} else {
			cfg.WorkerMinJobCreatedAt = &t
		}
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

type rangeCheck func(name string, v int) string

func minPositive(name string, v int) string {
	if v <= 0 {
		return fmt.Sprintf("%s must be a positive integer, got %d", name, v)
	}
	return ""
}

func minNonNegative(name string, v int) string {
	if v < 0 {
		return fmt.Sprintf("%s must not be negative, got %d", name, v)
	}
	return ""
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func envInt(name string, def int, errs *[]string, check rangeCheck) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: not an integer (%q)", name, v))
		return def
	}
	if msg := check(name, parsed); msg != "" {
		*errs = append(*errs, msg)
		return def
	}
	return parsed
}

func envMillis(name string, defMS int, errs *[]string, check rangeCheck) time.Duration {
	ms := envInt(name, defMS, errs, check)
	return time.Duration(ms) * time.Millisecond
}
