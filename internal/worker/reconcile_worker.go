package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Sweeper repairs sessions whose in-memory timer state was lost.
type Sweeper interface {
	Sweep(ctx context.Context, limit int) (service.SweepReport, error)
}

// ReconcileWorker periodically sweeps non-terminal sessions. A Redis lock keeps
// concurrent server processes from sweeping at the same time.
type ReconcileWorker struct {
	sweeper  Sweeper
	rdb      *redis.Client
	log      zerolog.Logger
	interval time.Duration
	limit    int
	owner    string
}

// NewReconcileWorker creates a new ReconcileWorker.
func NewReconcileWorker(sweeper Sweeper, rdb *redis.Client, interval time.Duration, log zerolog.Logger) *ReconcileWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconcileWorker{
		sweeper:  sweeper,
		rdb:      rdb,
		log:      log.With().Str("component", "reconcile_worker").Logger(),
		interval: interval,
		limit:    service.DefaultSweepLimit,
		owner:    uuid.NewString(),
	}
}

// Start sweeps once immediately, covering a restart, then on every interval.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("ReconcileWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			w.log.Info().Msg("ReconcileWorker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep if this process wins the lock. It reports whether it swept.
func (w *ReconcileWorker) RunOnce(ctx context.Context) bool {
	key := config.CacheKey.ReconcileLockKey()
	ok, err := w.rdb.SetNX(ctx, key, w.owner, w.interval).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to acquire reconcile lock")
		}
		return false
	}
	if !ok {
		w.log.Debug().Msg("Reconcile lock held elsewhere, skipping")
		return false
	}
	defer w.release(key)

	start := time.Now()
	report, err := w.sweeper.Sweep(ctx, w.limit)
	if err != nil {
		w.log.Error().Err(err).Msg("Reconcile sweep failed")
		return true
	}

	ev := w.log.Debug()
	if report.Finalized+report.Resumed+report.Rearmed+report.Failed > 0 {
		ev = w.log.Info()
	}
	ev.Int("examined", report.Examined).
		Int("finalized", report.Finalized).
		Int("resumed", report.Resumed).
		Int("rearmed", report.Rearmed).
		Int("failed", report.Failed).
		Dur("took", time.Since(start)).
		Msg("Reconcile sweep done")
	return true
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// release drops the lock only if this process still holds it.
func (w *ReconcileWorker) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, w.rdb, []string{key}, w.owner).Err(); err != nil && err != redis.Nil {
		w.log.Warn().Err(err).Msg("Failed to release reconcile lock")
	}
}
