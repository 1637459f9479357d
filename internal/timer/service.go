package timer

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Warning identifies a one-time remaining-time threshold notification.
type Warning string

const (
	WarningNone        Warning = ""
	WarningFiveMinutes Warning = "five_minutes"
	WarningOneMinute   Warning = "one_minute"
)

// ExpireFunc runs when a countdown reaches zero.
type ExpireFunc func()

// SyncFunc runs on every sync tick with the whole seconds left and any threshold crossed.
type SyncFunc func(remainingSeconds int, warning Warning)

// Options configures a Registry.
type Options struct {
	SyncInterval time.Duration
	Clock        Clock
	Log          zerolog.Logger
}

// Registry owns the process-local countdowns of every active session: one section
// timer with its sync ticker, plus an independent grace timer while paused.
// Nothing here survives a restart; callers re-derive timers from the session record.
type Registry struct {
	mu           sync.Mutex
	sections     map[uuid.UUID]*sectionTimer
	graces       map[uuid.UUID]*graceTimer
	clock        Clock
	syncInterval time.Duration
	log          zerolog.Logger
}

type sectionTimer struct {
	sectionIndex int
	duration     time.Duration
	startedAt    time.Time
	paused       bool
	remaining    time.Duration

	onExpire ExpireFunc
	onSync   SyncFunc

	timer  Stopper
	ticker Stopper

	warnedFive bool
	warnedOne  bool
}

type graceTimer struct {
	timer Stopper
}

// NewRegistry creates an empty timer registry.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	return &Registry{
		sections:     make(map[uuid.UUID]*sectionTimer),
		graces:       make(map[uuid.UUID]*graceTimer),
		clock:        opts.Clock,
		syncInterval: opts.SyncInterval,
		log:          opts.Log.With().Str("component", "timer_registry").Logger(),
	}
}

// StartSectionTimer arms the countdown of a section, replacing any previous one.
// A non-positive duration fires onExpire immediately on the calling goroutine.
func (r *Registry) StartSectionTimer(sessionID uuid.UUID, sectionIndex int, duration time.Duration, onExpire ExpireFunc, onSync SyncFunc) {
	r.mu.Lock()
	r.stopSectionLocked(sessionID)

	if duration <= 0 {
		r.mu.Unlock()
		r.log.Debug().Str("session_id", sessionID.String()).Int("section_index", sectionIndex).Msg("Section timer already elapsed, expiring now")
		r.safeCall(sessionID, "section_expire", onExpire)
		return
	}

	st := &sectionTimer{
		sectionIndex: sectionIndex,
		duration:     duration,
		startedAt:    r.clock.Now(),
		onExpire:     onExpire,
		onSync:       onSync,
		// Thresholds already behind a re-armed countdown were announced by the
		// previous timer or by the resume that re-armed it.
		warnedFive: duration <= 5*time.Minute,
		warnedOne:  duration <= time.Minute,
	}
	r.sections[sessionID] = st
	r.armLocked(sessionID, st)
	r.mu.Unlock()
}

// PauseTimer stops the section countdown and returns the remaining milliseconds.
// The entry is kept so ResumeTimer can re-arm it.
func (r *Registry) PauseTimer(sessionID uuid.UUID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sections[sessionID]
	if !ok {
		return 0, false
	}
	if !st.paused {
		st.remaining = r.remainingLocked(st)
		st.paused = true
		stop(st.timer)
		stop(st.ticker)
		st.timer, st.ticker = nil, nil
	}
	return st.remaining.Milliseconds(), true
}

// ResumeTimer re-arms a paused countdown with its stored remainder.
// If nothing is left the expiry callback fires immediately. It reports false when
// there is no paused timer for the session.
func (r *Registry) ResumeTimer(sessionID uuid.UUID) bool {
	r.mu.Lock()
	st, ok := r.sections[sessionID]
	if !ok || !st.paused {
		r.mu.Unlock()
		return false
	}

	if st.remaining <= 0 {
		delete(r.sections, sessionID)
		r.mu.Unlock()
		r.safeCall(sessionID, "section_expire", st.onExpire)
		return true
	}

	st.paused = false
	st.duration = st.remaining
	st.startedAt = r.clock.Now()
	st.remaining = 0
	r.armLocked(sessionID, st)
	r.mu.Unlock()
	return true
}

// StartGracePeriod arms the disconnect grace countdown, replacing any previous one.
func (r *Registry) StartGracePeriod(sessionID uuid.UUID, duration time.Duration, onGraceExpired ExpireFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.graces[sessionID]; ok {
		stop(g.timer)
	}
	g := &graceTimer{}
	g.timer = r.clock.AfterFunc(duration, func() {
		r.mu.Lock()
		if r.graces[sessionID] != g {
			r.mu.Unlock()
			return
		}
		delete(r.graces, sessionID)
		r.mu.Unlock()
		r.safeCall(sessionID, "grace_expire", onGraceExpired)
	})
	r.graces[sessionID] = g
}

// ClearGracePeriod cancels the grace countdown if one is running.
func (r *Registry) ClearGracePeriod(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.graces[sessionID]; ok {
		stop(g.timer)
		delete(r.graces, sessionID)
	}
}

// HasGracePeriod reports whether a grace countdown is running.
func (r *Registry) HasGracePeriod(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.graces[sessionID]
	return ok
}

// GetTimeRemaining returns the whole seconds left on the section countdown.
func (r *Registry) GetTimeRemaining(sessionID uuid.UUID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sections[sessionID]
	if !ok {
		return 0, false
	}
	return wholeSeconds(r.remainingLocked(st)), true
}

// HasTimer reports whether a section countdown exists, running or paused.
func (r *Registry) HasTimer(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sections[sessionID]
	return ok
}

// SectionIndex returns the section the countdown belongs to.
func (r *Registry) SectionIndex(sessionID uuid.UUID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sections[sessionID]
	if !ok {
		return 0, false
	}
	return st.sectionIndex, true
}

// ClearTimer tears down the section, sync and grace timers of a session. Safe to call repeatedly.
func (r *Registry) ClearTimer(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopSectionLocked(sessionID)
	if g, ok := r.graces[sessionID]; ok {
		stop(g.timer)
		delete(r.graces, sessionID)
	}
}

// ActiveCount returns the number of sessions holding a section timer.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sections)
}

// StopAll cancels every timer. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.sections {
		r.stopSectionLocked(id)
	}
	for id, g := range r.graces {
		stop(g.timer)
		delete(r.graces, id)
	}
}

func (r *Registry) armLocked(sessionID uuid.UUID, st *sectionTimer) {
	st.timer = r.clock.AfterFunc(st.duration, func() {
		r.mu.Lock()
		if r.sections[sessionID] != st || st.paused {
			r.mu.Unlock()
			return
		}
		delete(r.sections, sessionID)
		stop(st.ticker)
		r.mu.Unlock()
		r.safeCall(sessionID, "section_expire", st.onExpire)
	})
	r.scheduleTickLocked(sessionID, st)
}

func (r *Registry) scheduleTickLocked(sessionID uuid.UUID, st *sectionTimer) {
	if st.onSync == nil {
		return
	}
	st.ticker = r.clock.AfterFunc(r.syncInterval, func() {
		r.mu.Lock()
		if r.sections[sessionID] != st || st.paused {
			r.mu.Unlock()
			return
		}
		remaining := r.remainingLocked(st)
		warning := WarningNone
		switch {
		case remaining <= time.Minute && !st.warnedOne:
			st.warnedOne, st.warnedFive = true, true
			warning = WarningOneMinute
		case remaining <= 5*time.Minute && !st.warnedFive:
			st.warnedFive = true
			warning = WarningFiveMinutes
		}
		r.scheduleTickLocked(sessionID, st)
		onSync := st.onSync
		r.mu.Unlock()

		r.safeCall(sessionID, "sync", func() { onSync(wholeSeconds(remaining), warning) })
	})
}

func (r *Registry) stopSectionLocked(sessionID uuid.UUID) {
	if st, ok := r.sections[sessionID]; ok {
		stop(st.timer)
		stop(st.ticker)
		delete(r.sections, sessionID)
	}
}

func (r *Registry) remainingLocked(st *sectionTimer) time.Duration {
	if st.paused {
		return st.remaining
	}
	left := st.duration - r.clock.Now().Sub(st.startedAt)
	if left < 0 {
		return 0
	}
	return left
}

// safeCall runs a callback and converts a panic into a log line.
func (r *Registry) safeCall(sessionID uuid.UUID, kind string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("session_id", sessionID.String()).
				Str("kind", kind).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("Timer callback panicked")
		}
	}()
	fn()
}

func stop(s Stopper) {
	if s != nil {
		s.Stop()
	}
}

func wholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
