package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	DefaultRetryMaxAttempts = 5
	DefaultRetryBackoff     = 30 * time.Second
)

// Finalizer re-runs finalization for sessions waiting on manual submission.
type Finalizer interface {
	RetryFinalization(ctx context.Context, sessionID uuid.UUID) (*service.FinalizeOutcome, error)
}

type retryJob struct {
	SessionID uuid.UUID `json:"session_id"`
	Attempt   int       `json:"attempt"`
}

// FinalizeRetryQueue enqueues sessions whose finalization fell back to manual submission.
type FinalizeRetryQueue struct {
	rdb *redis.Client
}

// NewFinalizeRetryQueue creates a new FinalizeRetryQueue.
func NewFinalizeRetryQueue(rdb *redis.Client) *FinalizeRetryQueue {
	return &FinalizeRetryQueue{rdb: rdb}
}

// EnqueueFinalize schedules an immediate retry.
func (q *FinalizeRetryQueue) EnqueueFinalize(ctx context.Context, sessionID uuid.UUID) error {
	raw, err := json.Marshal(retryJob{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("encode retry job: %w", err)
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.FinalizeRetryQueue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue retry job: %w", err)
	}
	return nil
}

// FinalizeRetryOptions tunes the retry policy. Zero values use the package defaults.
type FinalizeRetryOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
}

// FinalizeRetryWorker retries finalization with linear backoff. Jobs waiting out their
// backoff sit in a sorted set and are promoted back to the queue once due.
type FinalizeRetryWorker struct {
	finalizer   Finalizer
	rdb         *redis.Client
	log         zerolog.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

// NewFinalizeRetryWorker creates a new FinalizeRetryWorker.
func NewFinalizeRetryWorker(finalizer Finalizer, rdb *redis.Client, opts FinalizeRetryOptions, log zerolog.Logger) *FinalizeRetryWorker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultRetryMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultRetryBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &FinalizeRetryWorker{
		finalizer:   finalizer,
		rdb:         rdb,
		log:         log.With().Str("component", "finalize_retry_worker").Logger(),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		now:         opts.Now,
	}
}

func (w *FinalizeRetryWorker) Start(ctx context.Context) {
	w.log.Info().Int("max_attempts", w.maxAttempts).Dur("backoff", w.backoff).Msg("FinalizeRetryWorker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("FinalizeRetryWorker stopped")
			return
		default:
		}

		if err := w.promoteDue(ctx); err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to promote delayed retries")
		}

		item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.FinalizeRetryQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error")
				time.Sleep(PollTimeout)
			}
			continue
		}
		if len(item) < 2 {
			continue
		}

		var job retryJob
		if err := json.Unmarshal([]byte(item[1]), &job); err != nil {
			w.log.Error().Err(err).Msg("Invalid retry payload")
			continue
		}
		w.process(ctx, job)
	}
}

// process runs one attempt and reschedules it when the failure is transient.
func (w *FinalizeRetryWorker) process(ctx context.Context, job retryJob) {
	l := w.log.With().Str("session_id", job.SessionID.String()).Int("attempt", job.Attempt+1).Logger()

	out, err := w.finalizer.RetryFinalization(ctx, job.SessionID)
	if err == nil {
		if out != nil && out.Result != nil {
			l.Info().Float64("percentage", out.Result.Score.Percentage).Msg("Deferred finalization succeeded")
		}
		return
	}
	if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrInvalidState) || errors.Is(err, service.ErrForbidden) {
		l.Warn().Err(err).Msg("Dropping retry for unrecoverable session")
		return
	}

	job.Attempt++
	if job.Attempt >= w.maxAttempts {
		l.Error().Err(err).Msg("Giving up on deferred finalization; session stays flagged for manual submission")
		return
	}
	if err := w.schedule(ctx, job); err != nil {
		l.Error().Err(err).Msg("Failed to reschedule retry")
		return
	}
	l.Warn().Err(err).Msg("Deferred finalization failed, rescheduled")
}

func (w *FinalizeRetryWorker) schedule(ctx context.Context, job retryJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	due := w.now().Add(time.Duration(job.Attempt) * w.backoff)
	return w.rdb.ZAdd(ctx, config.WorkerKey.FinalizeRetryDelayed, redis.Z{
		Score:  float64(due.Unix()),
		Member: raw,
	}).Err()
}

// promoteDue moves every delayed job whose backoff has elapsed back onto the queue.
// ZRem decides ownership so concurrent workers never promote a job twice.
func (w *FinalizeRetryWorker) promoteDue(ctx context.Context) error {
	due, err := w.rdb.ZRangeByScore(ctx, config.WorkerKey.FinalizeRetryDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(w.now().Unix(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := w.rdb.ZRem(ctx, config.WorkerKey.FinalizeRetryDelayed, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := w.rdb.RPush(ctx, config.WorkerKey.FinalizeRetryQueue, member).Err(); err != nil {
			return err
		}
	}
	return nil
}
