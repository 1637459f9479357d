package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/cache"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/events"
	"github.com/stemsi/exstem-proctor/internal/executor"
	"github.com/stemsi/exstem-proctor/internal/grading"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/timer"
	"github.com/stemsi/exstem-proctor/internal/tracing"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Dur("grace_period", cfg.GracePeriod).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Tracing ───────────────────────────────────────────────────────
	shutdownTracer, err := tracing.InitTracer(logger.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
		shutdownTracer = func(context.Context) error { return nil }
	}

	// ─── Metrics ───────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ─── Result Events ─────────────────────────────────────────────────
	backend, err := events.NewBackend(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event backend")
	}
	publisher := events.NewWatermillPublisher(backend.Publisher, cfg.ResultsTopic, log)
	log.Info().Str("transport", backend.Kind).Str("topic", cfg.ResultsTopic).Msg("Result events ready")

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	if backend.Subscriber != nil {
		if err := events.LogSink(workerCtx, backend.Subscriber, cfg.ResultsTopic, log); err != nil {
			log.Warn().Err(err).Msg("Result log sink unavailable")
		}
	}

	// ─── Initialize Engine ─────────────────────────────────────────────
	store := repository.NewPostgresStore(pool)
	timers := timer.NewRegistry(timer.Options{
		SyncInterval: cfg.TimerSyncInterval,
		Log:          log,
	})
	metrics.RegisterActiveTimers(reg, timers.ActiveCount)

	broadcaster := notify.NewRedisBroadcaster(rdb, log)
	grader := grading.NewGrader(executor.NewClient(cfg.ExecutorURL, cfg.ExecutorTimeout, log), m, log)
	activityQueue := worker.NewActivityQueue(rdb, log)
	retryQueue := worker.NewFinalizeRetryQueue(rdb)

	engine := service.NewEngine(service.Deps{
		Store:       store,
		Timers:      timers,
		Broadcaster: broadcaster,
		Grader:      grader,
		Events:      publisher,
		Cache:       cache.NewActiveSessionCache(rdb, 0, log),
		Activity:    activityQueue,
		RetryQueue:  retryQueue,
		Metrics:     m,
		Log:         log,
		Config: service.EngineConfig{
			GracePeriod:         cfg.GracePeriod,
			DefaultPassingScore: cfg.DefaultPassingScore,
			FinalizeTimeout:     cfg.FinalizeTimeout,
		},
	})
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(engine, log),
		WS: handler.NewWSHandler(engine, broadcaster, cache.NewConnectionCounter(rdb, 0), handler.WSOptions{
			AllowedOrigins: cfg.AllowedOrigins,
		}, log),
		System: handler.NewSystemHandler(pool, rdb, timers.ActiveCount, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	// The reconcile worker sweeps once on start, re-arming timers lost in a restart.
	activityWorker := worker.NewActivityWorker(repository.NewActivityRepository(pool), rdb, worker.ActivityWorkerOptions{}, log)
	retryWorker := worker.NewFinalizeRetryWorker(engine, rdb, worker.FinalizeRetryOptions{}, log)
	reconcileWorker := worker.NewReconcileWorker(engine, rdb, cfg.ReconcileInterval, log)

	for _, start := range []func(context.Context){activityWorker.Start, retryWorker.Start, reconcileWorker.Start} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			start(workerCtx)
		}()
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	var obs *router.Observability
	if cfg.MetricsEnabled {
		obs = &router.Observability{Metrics: m, Gatherer: reg}
	}
	r := router.SetupRouter(authService, handlers, cfg, obs, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop countdowns. Sessions stay in the database; the next process re-arms them.
	timers.StopAll()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	// 4. Flush events and spans.
	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Event publisher close error")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracer shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
