// Orkivad is the supervisor daemon: it loads its tuning surface from the
// environment, opens and migrates the SQLite store, wires the runtime
// registry, unread reconciler, scheduler, delivery/fallback/callback
// collaborators, and the queue worker into one Supervisor, then drives it on
// a fixed poll interval via gocron while serving /healthz and /metrics.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotcommander/orkiva/internal/app"
	"github.com/dotcommander/orkiva/internal/callback"
	"github.com/dotcommander/orkiva/internal/clock"
	"github.com/dotcommander/orkiva/internal/fallback"
	"github.com/dotcommander/orkiva/internal/idgen"
	"github.com/dotcommander/orkiva/internal/pty"
	"github.com/dotcommander/orkiva/internal/registry"
	"github.com/dotcommander/orkiva/internal/scheduler"
	"github.com/dotcommander/orkiva/internal/store"
	"github.com/dotcommander/orkiva/internal/supervisor"
	"github.com/dotcommander/orkiva/internal/unread"
	"github.com/dotcommander/orkiva/internal/worker"
	"github.com/dotcommander/orkiva/pkg/advisorycache"
)

// shutdownGrace bounds how long an in-flight tick gets to finish once a
// shutdown signal arrives before its context is canceled.
const shutdownGrace = 20 * time.Second

// advisoryCacheScopeLimit bounds the number of distinct (workspace, agent)
// keys the advisory cache remembers per scope, independent of the workspace
// count the store actually holds.
const advisoryCacheScopeLimit = 4096

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	log := slog.Default()

	if err := run(log); err != nil {
		log.Error("orkivad exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath, source, err := app.ResolveDBPathDetailed()
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	log.Info("resolved database path", "path", dbPath, "source", source)

	db, err := store.InitDBWithPath(dbPath)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer func() {
		if err := store.CloseDB(db); err != nil {
			log.Error("close db", "error", err.Error())
		}
	}()

	sup, metrics, err := wireSupervisor(db, cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := newHTTPServer(cfg.MetricsAddr, metrics)
	httpErrCh := make(chan error, 1)
	go func() {
		log.Info("serving health and metrics", "addr", cfg.MetricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create gocron scheduler: %w", err)
	}

	// Ticks run under their own base context rather than the signal context,
	// so a shutdown signal leaves an in-flight tick running until cancelTicks
	// fires shutdownGrace later.
	tickBase, cancelTicks := context.WithCancel(context.Background())
	defer cancelTicks()

	tickClock := clock.System{}
	tick := func() {
		tickCtx, cancel := context.WithTimeout(tickBase, cfg.WorkerPollInterval)
		defer cancel()

		started := tickClock.Now()
		stats, err := sup.RunTick(tickCtx, supervisor.Options{
			WorkspaceID:       cfg.WorkspaceID,
			StaleAfterHours:   cfg.SessionStaleAfterHours,
			TriggerMaxRetries: cfg.TriggerMaxRetries,
			MaxJobsPerTick:    cfg.WorkerMaxParallelJobs,
			AutoUnreadEnabled: cfg.AutoUnreadEnabled,
			TickAt:            started,
		})
		metrics.observe(stats, err, time.Since(started))
		if err != nil {
			log.Error("tick failed", "error", err.Error())
			return
		}
		log.Info("tick complete",
			"claimed", stats.Queue.Claimed,
			"delivered", stats.Queue.Delivered,
			"fallback_resumed", stats.Queue.FallbackResumed,
			"fallback_spawned", stats.Queue.FallbackSpawned,
			"callback_posted", stats.Queue.CallbackPosted,
			"failed", stats.Queue.Failed,
		)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.WorkerPollInterval),
		gocron.NewTask(tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule tick job: %w", err)
	}

	sched.Start()
	log.Info("orkivad started", "workspace_id", cfg.WorkspaceID, "poll_interval", cfg.WorkerPollInterval.String())

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			log.Error("health/metrics server failed", "error", err.Error())
		}
	}

	graceTimer := time.AfterFunc(shutdownGrace, cancelTicks)
	defer graceTimer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := sched.Shutdown(); err != nil {
		log.Error("scheduler shutdown", "error", err.Error())
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err.Error())
	}

	return nil
}

// wireSupervisor constructs every collaborator C2-C9 need and assembles the
// Supervisor. It returns the metrics collector alongside so run can update it
// after each tick.
func wireSupervisor(db *sql.DB, cfg app.Config, log *slog.Logger) (*supervisor.Supervisor, *tickMetrics, error) {
	reg := registry.New(db)
	unreadReconciler := unread.New(db)
	cache := advisorycache.New(advisoryCacheScopeLimit)

	sched := scheduler.New(db, cache, scheduler.Config{
		MaxTriggersPerWindow: cfg.AutoUnreadMaxTriggersPerWindow,
		Window:               cfg.AutoUnreadWindow,
		MinInterval:          cfg.AutoUnreadMinInterval,
		BreakerBacklogThresh: cfg.AutoUnreadBreakerBacklogThresh,
		BreakerCooldown:      cfg.AutoUnreadBreakerCooldown,
	})

	delivery, err := pty.New()
	if err != nil {
		return nil, nil, fmt.Errorf("init pty adapter: %w", err)
	}

	launcher, err := fallback.NewLauncher(os.Getenv("WORKER_FALLBACK_LAUNCHER_COMMAND"))
	if err != nil {
		return nil, nil, fmt.Errorf("init fallback launcher: %w", err)
	}

	fb := fallback.New(reg, cache, launcher, fallback.Config{
		ResumeMaxAttempts:    cfg.TriggerResumeMaxAttempts,
		StaleAfterHours:      cfg.SessionStaleAfterHours,
		AllowDangerousBypass: cfg.WorkerFallbackAllowDangerous,
	})

	cb := callback.New(db, callback.Config{
		BaseURL:        cfg.WorkerBridgeAPIBaseURL,
		AccessToken:    cfg.WorkerBridgeAccessToken,
		Timeout:        cfg.WorkerCallbackRequestTimeout,
		MaxRetries:     cfg.WorkerCallbackMaxRetries,
		DefaultBackoff: cfg.TriggerRecheck,
	})

	workerID := idgen.New("wkr")
	w := worker.New(db, reg, delivery, fb, cb, worker.Config{
		MaxParallelJobs:      cfg.WorkerMaxParallelJobs,
		AckTimeout:           cfg.TriggerAckTimeout,
		TriggeringLeaseTime:  cfg.TriggeringLeaseTimeout,
		Recheck:              cfg.TriggerRecheck,
		MaxDefer:             cfg.TriggerMaxDefer,
		MinJobCreatedAt:      cfg.WorkerMinJobCreatedAt,
		FallbackExecTimeout:  cfg.WorkerFallbackExecTimeout,
		FallbackKillGrace:    cfg.WorkerFallbackKillGrace,
		FallbackMaxActiveAll: cfg.WorkerFallbackMaxActiveGlobal,
		FallbackMaxActiveOne: cfg.WorkerFallbackMaxActivePerAgent,
	}, workerID)

	log.Info("supervisor wired", "worker_id", workerID)

	sup := supervisor.New(reg, unreadReconciler, sched, w, supervisor.Config{
		StaleAfterHours:   cfg.SessionStaleAfterHours,
		TriggerMaxRetries: cfg.TriggerMaxRetries,
		MaxJobsPerTick:    cfg.WorkerMaxParallelJobs,
		AutoUnreadEnabled: cfg.AutoUnreadEnabled,
	})

	return sup, newTickMetrics(), nil
}

func newHTTPServer(addr string, metrics *tickMetrics) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		if metrics.lastTickOK() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// tickMetrics exports each tick's TickStats as Prometheus gauges/counters on
// a dedicated registry, rather than the global default, so tests (and a
// second daemon instance in the same process) never collide on registration.
type tickMetrics struct {
	registry *prometheus.Registry

	ticksTotal      prometheus.Counter
	ticksFailed     prometheus.Counter
	tickDuration    prometheus.Histogram
	jobsClaimed     prometheus.Counter
	jobsDelivered   prometheus.Counter
	jobsFallback    prometheus.Counter
	jobsCallback    prometheus.Counter
	jobsFailed      prometheus.Counter
	lastTickSuccess prometheus.Gauge
	lastTickOKFlag  atomic.Bool
}

func newTickMetrics() *tickMetrics {
	reg := prometheus.NewRegistry()
	m := &tickMetrics{
		registry: reg,
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orkivad_ticks_total", Help: "Total number of supervisor ticks run.",
		}),
		ticksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orkivad_ticks_failed_total", Help: "Total number of supervisor ticks that returned an error.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "orkivad_tick_duration_seconds", Help: "Wall-clock duration of each supervisor tick.",
			Buckets: prometheus.DefBuckets,
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orkivad_jobs_claimed_total", Help: "Total trigger jobs claimed by the queue worker.",
		}),
		jobsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orkivad_jobs_delivered_total", Help: "Total trigger jobs delivered via PTY.",
		}),
		jobsFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orkivad_jobs_fallback_total", Help: "Total trigger jobs routed through the fallback executor.",
		}),
		jobsCallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orkivad_jobs_callback_posted_total", Help: "Total trigger-completion callbacks posted successfully.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orkivad_jobs_failed_total", Help: "Total trigger jobs that ended in a terminal failure.",
		}),
		lastTickSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orkivad_last_tick_success", Help: "1 if the most recent tick completed without error, 0 otherwise.",
		}),
	}
	reg.MustRegister(
		m.ticksTotal, m.ticksFailed, m.tickDuration,
		m.jobsClaimed, m.jobsDelivered, m.jobsFallback, m.jobsCallback, m.jobsFailed,
		m.lastTickSuccess,
	)
	m.lastTickOKFlag.Store(true)
	m.lastTickSuccess.Set(1)
	return m
}

func (m *tickMetrics) observe(stats supervisor.TickStats, err error, d time.Duration) {
	m.ticksTotal.Inc()
	m.tickDuration.Observe(d.Seconds())
	if err != nil {
		m.ticksFailed.Inc()
		m.lastTickSuccess.Set(0)
		m.lastTickOKFlag.Store(false)
		return
	}
	m.lastTickSuccess.Set(1)
	m.lastTickOKFlag.Store(true)
	m.jobsClaimed.Add(float64(stats.Queue.Claimed))
	m.jobsDelivered.Add(float64(stats.Queue.Delivered))
	m.jobsFallback.Add(float64(stats.Queue.FallbackResumed + stats.Queue.FallbackSpawned))
	m.jobsCallback.Add(float64(stats.Queue.CallbackPosted))
	m.jobsFailed.Add(float64(stats.Queue.Failed))
}

// lastTickOK reports whether the most recent completed tick succeeded.
// Before the first tick runs, it reports true so /healthz doesn't flap
// unhealthy during the startup window before the poll interval first fires.
func (m *tickMetrics) lastTickOK() bool {
	return m.lastTickOKFlag.Load()
}
