package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	ActivityBatchSize    = 50
	ActivityBatchTimeout = 2 * time.Second
	PollTimeout          = 1 * time.Second // BLPop rounds anything shorter up to 1s
	maxActivityAttempts  = 3
)

// ActivityStore persists audit entries.
type ActivityStore interface {
	InsertBatch(ctx context.Context, batch []repository.Activity) error
	Insert(ctx context.Context, a repository.Activity) error
}

type activityEnvelope struct {
	repository.Activity
	Attempts int `json:"attempts,omitempty"`
}

// ActivityQueue pushes audit entries onto the Redis list drained by ActivityWorker.
type ActivityQueue struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewActivityQueue creates a new ActivityQueue.
func NewActivityQueue(rdb *redis.Client, log zerolog.Logger) *ActivityQueue {
	return &ActivityQueue{
		rdb: rdb,
		log: log.With().Str("component", "activity_queue").Logger(),
	}
}

// Record enqueues one entry. Audit logging never fails the caller.
func (q *ActivityQueue) Record(ctx context.Context, a repository.Activity) {
	raw, err := json.Marshal(activityEnvelope{Activity: a})
	if err != nil {
		q.log.Error().Err(err).Str("event", a.Event).Msg("Failed to encode activity")
		return
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.SessionActivityQueue, raw).Err(); err != nil {
		q.log.Warn().Err(err).Str("session_id", a.SessionID.String()).Str("event", a.Event).Msg("Failed to enqueue activity")
	}
}

// ActivityWorkerOptions tunes batching. Zero values use the package defaults.
type ActivityWorkerOptions struct {
	BatchSize    int
	BatchTimeout time.Duration
}

// ActivityWorker drains the activity queue into Postgres in batches.
type ActivityWorker struct {
	store        ActivityStore
	rdb          *redis.Client
	log          zerolog.Logger
	batchSize    int
	batchTimeout time.Duration
}

// NewActivityWorker creates a new ActivityWorker.
func NewActivityWorker(store ActivityStore, rdb *redis.Client, opts ActivityWorkerOptions, log zerolog.Logger) *ActivityWorker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = ActivityBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = ActivityBatchTimeout
	}
	return &ActivityWorker{
		store:        store,
		rdb:          rdb,
		log:          log.With().Str("component", "activity_worker").Logger(),
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
	}
}

// Start runs until ctx is cancelled, then flushes what it already popped.
func (w *ActivityWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ActivityWorker started")

	batch := make([]activityEnvelope, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Int("pending", len(batch)).Msg("Shutdown requested. Flushing remaining activity...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.SessionActivityQueue).Result()
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

			var env activityEnvelope
			if err := json.Unmarshal([]byte(item[1]), &env); err != nil {
				w.log.Error().Err(err).Msg("Invalid activity payload")
				continue
			}
			batch = append(batch, env)
		}
	}
}

// flushSafe writes the batch with one UNNEST insert and falls back to single-row
// inserts, requeueing entries that still fail until they run out of attempts.
func (w *ActivityWorker) flushSafe(ctx context.Context, batch []activityEnvelope) {
	if len(batch) == 0 {
		return
	}

	rows := make([]repository.Activity, len(batch))
	for i, env := range batch {
		rows[i] = env.Activity
	}
	err := w.store.InsertBatch(ctx, rows)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("size", len(batch)).Msg("Bulk activity insert failed, using fallback")

	for _, env := range batch {
		insertErr := w.store.Insert(ctx, env.Activity)
		if insertErr == nil {
			continue
		}
		env.Attempts++
		if env.Attempts >= maxActivityAttempts {
			w.log.Error().Err(insertErr).
				Str("session_id", env.SessionID.String()).
				Str("event", env.Event).
				Msg("Dropping activity after repeated failures")
			continue
		}
		raw, _ := json.Marshal(env)
		if err := w.rdb.RPush(ctx, config.WorkerKey.SessionActivityQueue, raw).Err(); err != nil {
			w.log.Error().Err(err).Msg("Requeue failed")
		}
	}
}
