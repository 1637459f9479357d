package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/events"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

// EngineConfig holds the policy knobs of the session engine.
type EngineConfig struct {
	GracePeriod         time.Duration
	DefaultPassingScore float64
	FinalizeTimeout     time.Duration
}

// Deps are the collaborators of an Engine. Cache, Activity, RetryQueue and Events are optional.
type Deps struct {
	Store       Store
	Timers      *timer.Registry
	Broadcaster notify.Broadcaster
	Grader      Grader
	Events      events.Publisher
	Cache       ActiveSessionCache
	Activity    ActivityRecorder
	RetryQueue  RetryQueue
	Metrics     *metrics.Metrics
	Clock       timer.Clock
	Log         zerolog.Logger
	Config      EngineConfig
}

// Engine is the exam-session state machine. REST calls, WebSocket actions, timer
// callbacks and the reconcile sweep all reach the session record through mutate.
type Engine struct {
	store   Store
	timers  *timer.Registry
	bus     notify.Broadcaster
	grader  Grader
	events  events.Publisher
	cache   ActiveSessionCache
	audit   ActivityRecorder
	retries RetryQueue
	metrics *metrics.Metrics
	clock   timer.Clock
	log     zerolog.Logger
	cfg     EngineConfig
}

// NewEngine creates a new Engine.
func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = timer.RealClock{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Cache == nil {
		d.Cache = nopCache{}
	}
	if d.Activity == nil {
		d.Activity = nopActivity{}
	}
	if d.RetryQueue == nil {
		d.RetryQueue = nopRetryQueue{}
	}
	if d.Events == nil {
		d.Events = nopEvents{}
	}
	if d.Config.GracePeriod <= 0 {
		d.Config.GracePeriod = 5 * time.Minute
	}
	if d.Config.DefaultPassingScore <= 0 {
		d.Config.DefaultPassingScore = model.DefaultPassingScore
	}
	if d.Config.FinalizeTimeout <= 0 {
		d.Config.FinalizeTimeout = 30 * time.Second
	}
	return &Engine{
		store:   d.Store,
		timers:  d.Timers,
		bus:     d.Broadcaster,
		grader:  d.Grader,
		events:  d.Events,
		cache:   d.Cache,
		audit:   d.Activity,
		retries: d.RetryQueue,
		metrics: d.Metrics,
		clock:   d.Clock,
		log:     d.Log.With().Str("component", "session_engine").Logger(),
		cfg:     d.Config,
	}
}

// effects collects work that must only happen once the transaction has committed.
type effects struct {
	skipWrite bool
	ops       []func(ctx context.Context)
}

func (fx *effects) then(op func(ctx context.Context)) {
	fx.ops = append(fx.ops, op)
}

func (fx *effects) run(ctx context.Context) {
	for _, op := range fx.ops {
		op(ctx)
	}
}

type mutation func(tx repository.Tx, s *model.Session, now time.Time, fx *effects) error

// mutate locks the session row, applies fn to the freshly read record, writes it back and
// then runs the collected effects. A concurrent caller always observes the committed state.
func (e *Engine) mutate(ctx context.Context, sessionID uuid.UUID, fn mutation) (*model.Session, error) {
	var (
		out *model.Session
		fx  *effects
	)
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		fx = &effects{}
		s, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return storeError("lock session", err)
		}
		now := e.clock.Now()
		if err := fn(tx, s, now, fx); err != nil {
			return err
		}
		if !fx.skipWrite {
			if err := tx.UpdateSession(ctx, s); err != nil {
				return storeError("update session", err)
			}
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.run(ctx)
	return out, nil
}

// background returns a bounded context for work started by timers and workers.
func (e *Engine) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.FinalizeTimeout)
}

func (e *Engine) now() time.Time { return e.clock.Now() }

func (e *Engine) record(ctx context.Context, s *model.Session, event string, detail map[string]any) {
	e.audit.Record(ctx, repository.Activity{
		SessionID:  s.ID,
		UserID:     s.UserID,
		Event:      event,
		Detail:     detail,
		OccurredAt: e.now(),
	})
}

func (e *Engine) loadOwned(ctx context.Context, sessionID uuid.UUID, actor Actor) (*model.Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("get session", err)
	}
	if s.UserID != actor.UserID {
		return nil, ErrForbidden
	}
	return s, nil
}

// Actor is the authenticated caller.
type Actor struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           string
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, repository.ErrActiveSessionExists):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case errors.Is(err, repository.ErrVersionConflict):
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidState, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func ownedMutation(actor Actor, fn mutation) mutation {
	return func(tx repository.Tx, s *model.Session, now time.Time, fx *effects) error {
		if s.UserID != actor.UserID {
			return ErrForbidden
		}
		return fn(tx, s, now, fx)
	}
}

type nopCache struct{}

func (nopCache) Get(context.Context, uuid.UUID) (uuid.UUID, bool) { return uuid.Nil, false }
func (nopCache) Set(context.Context, uuid.UUID, uuid.UUID)        {}
func (nopCache) Clear(context.Context, uuid.UUID)                 {}

type nopActivity struct{}

func (nopActivity) Record(context.Context, repository.Activity) {}

type nopRetryQueue struct{}

func (nopRetryQueue) EnqueueFinalize(context.Context, uuid.UUID) error { return nil }

type nopEvents struct{}

func (nopEvents) PublishResultFinalized(context.Context, events.ResultFinalized) error { return nil }
