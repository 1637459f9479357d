package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/grading"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/timer"
	"github.com/stemsi/exstem-proctor/internal/timer/timertest"
)

var (
	orgID = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	t0    = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

// memStore is an in-memory Store whose transactions work on a copy and commit atomically.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	sessions map[uuid.UUID]*model.Session
	results  map[uuid.UUID]*model.Result
	tests    map[uuid.UUID]*model.Test
	stats    []statUpdate

	insertResultFailures int
}

type statUpdate struct {
	TestID     uuid.UUID
	Percentage float64
	Passed     bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]*model.Session),
		results:  make(map[uuid.UUID]*model.Result),
		tests:    make(map[uuid.UUID]*model.Test),
	}
}

func deepCopy[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

func (m *memStore) addTest(t *model.Test) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[t.ID] = deepCopy(t)
}

func (m *memStore) session(t *testing.T, id uuid.UUID) *model.Session {
	t.Helper()
	s, err := m.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return s
}

func (m *memStore) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func (m *memStore) statCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stats)
}

// put replaces a stored session, bypassing transactions. Tests use it to age records.
func (m *memStore) put(s *model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = deepCopy(s)
}

func (m *memStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	tx := &memTx{
		store:    m,
		sessions: make(map[uuid.UUID]*model.Session, len(m.sessions)),
		results:  make(map[uuid.UUID]*model.Result, len(m.results)),
		stats:    slices.Clone(m.stats),
	}
	for id, s := range m.sessions {
		tx.sessions[id] = deepCopy(s)
	}
	for id, r := range m.results {
		tx.results[id] = deepCopy(r)
	}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions, m.results, m.stats = tx.sessions, tx.results, tx.stats
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetSession(_ context.Context, id uuid.UUID) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return deepCopy(s), nil
}

func (m *memStore) FindActiveSession(_ context.Context, userID, testID uuid.UUID) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return findActive(m.sessions, userID, testID)
}

func (m *memStore) ListActiveSessionsByUser(_ context.Context, userID uuid.UUID) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status.IsResumable() {
			out = append(out, *deepCopy(s))
		}
	}
	slices.SortFunc(out, func(a, b model.Session) int { return b.StartedAt.Compare(a.StartedAt) })
	return out, nil
}

func (m *memStore) ListNonTerminalSessions(_ context.Context, after uuid.UUID, limit int) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() && bytes.Compare(s.ID[:], after[:]) > 0 {
			out = append(out, *deepCopy(s))
		}
	}
	slices.SortFunc(out, func(a, b model.Session) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetTest(_ context.Context, id uuid.UUID) (*model.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return deepCopy(t), nil
}

func (m *memStore) GetResultBySession(_ context.Context, sessionID uuid.UUID) (*model.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return deepCopy(r), nil
}

func findActive(sessions map[uuid.UUID]*model.Session, userID, testID uuid.UUID) (*model.Session, error) {
	for _, s := range sessions {
		if s.UserID == userID && s.TestID == testID && s.Status.IsResumable() {
			return deepCopy(s), nil
		}
	}
	return nil, repository.ErrNotFound
}

type memTx struct {
	store    *memStore
	sessions map[uuid.UUID]*model.Session
	results  map[uuid.UUID]*model.Result
	stats    []statUpdate
}

func (tx *memTx) GetSessionForUpdate(_ context.Context, id uuid.UUID) (*model.Session, error) {
	s, ok := tx.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return deepCopy(s), nil
}

func (tx *memTx) FindActiveSession(_ context.Context, userID, testID uuid.UUID) (*model.Session, error) {
	return findActive(tx.sessions, userID, testID)
}

func (tx *memTx) CreateSession(_ context.Context, s *model.Session) error {
	if _, err := findActive(tx.sessions, s.UserID, s.TestID); err == nil {
		return repository.ErrActiveSessionExists
	}
	s.Version = 1
	s.CreatedAt = s.StartedAt
	tx.sessions[s.ID] = deepCopy(s)
	return nil
}

func (tx *memTx) UpdateSession(_ context.Context, s *model.Session) error {
	cur, ok := tx.sessions[s.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != s.Version {
		return repository.ErrVersionConflict
	}
	s.Version++
	tx.sessions[s.ID] = deepCopy(s)
	return nil
}

func (tx *memTx) CountTerminalAttempts(_ context.Context, userID, testID uuid.UUID) (int, error) {
	n := 0
	for _, s := range tx.sessions {
		if s.UserID == userID && s.TestID == testID && s.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) InsertResult(_ context.Context, r *model.Result) error {
	tx.store.mu.Lock()
	fail := tx.store.insertResultFailures > 0
	if fail {
		tx.store.insertResultFailures--
	}
	tx.store.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	if _, ok := tx.results[r.SessionID]; ok {
		return repository.ErrResultExists
	}
	tx.results[r.SessionID] = deepCopy(r)
	return nil
}

func (tx *memTx) GetResultBySession(_ context.Context, sessionID uuid.UUID) (*model.Result, error) {
	r, ok := tx.results[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return deepCopy(r), nil
}

func (tx *memTx) UpdateTestStatistics(_ context.Context, testID uuid.UUID, percentage float64, passed bool) error {
	tx.stats = append(tx.stats, statUpdate{TestID: testID, Percentage: percentage, Passed: passed})
	return nil
}

// recordingBus keeps every broadcast in order.
type recordingBus struct {
	mu     sync.Mutex
	events []notify.Event
}

func (b *recordingBus) Broadcast(_ context.Context, _ uuid.UUID, event notify.Event, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) count(event notify.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == event {
			n++
		}
	}
	return n
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []repository.Activity
}

func (a *recordingAudit) Record(_ context.Context, act repository.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, act)
}

func (a *recordingAudit) last(event string) (repository.Activity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].Event == event {
			return a.entries[i], true
		}
	}
	return repository.Activity{}, false
}

type recordingRetries struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingRetries) EnqueueFinalize(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

// flakyGrader fails session scoring a set number of times.
type flakyGrader struct {
	*grading.Grader
	mu            sync.Mutex
	scoreFailures int
}

func (g *flakyGrader) ScoreSession(ctx context.Context, s *model.Session, passing float64) (model.FinalScore, []model.ResultAnswer, error) {
	g.mu.Lock()
	fail := g.scoreFailures != 0
	if g.scoreFailures > 0 {
		g.scoreFailures--
	}
	g.mu.Unlock()
	if fail {
		return model.FinalScore{}, nil, errors.New("executor unavailable")
	}
	return g.Grader.ScoreSession(ctx, s, passing)
}

func (g *flakyGrader) failScoring(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scoreFailures = n
}

type harness struct {
	engine  *service.Engine
	store   *memStore
	clock   *timertest.FakeClock
	timers  *timer.Registry
	bus     *recordingBus
	audit   *recordingAudit
	retries *recordingRetries
	grader  *flakyGrader
	metrics *metrics.Metrics
	student service.Actor
}

const gracePeriod = 300 * time.Second

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timertest.NewFakeClock(t0)
	m := metrics.NewNop()
	h := &harness{
		store:   newMemStore(),
		clock:   clock,
		timers:  timer.NewRegistry(timer.Options{SyncInterval: 30 * time.Second, Clock: clock, Log: zerolog.Nop()}),
		bus:     &recordingBus{},
		audit:   &recordingAudit{},
		retries: &recordingRetries{},
		grader:  &flakyGrader{Grader: grading.NewGrader(nil, m, zerolog.Nop())},
		metrics: m,
		student: service.Actor{UserID: uuid.New(), OrganizationID: orgID, Role: "student"},
	}
	h.engine = service.NewEngine(service.Deps{
		Store:       h.store,
		Timers:      h.timers,
		Broadcaster: h.bus,
		Grader:      h.grader,
		Activity:    h.audit,
		RetryQueue:  h.retries,
		Metrics:     m,
		Clock:       clock,
		Log:         zerolog.Nop(),
		Config: service.EngineConfig{
			GracePeriod:         gracePeriod,
			DefaultPassingScore: 70,
			FinalizeTimeout:     5 * time.Second,
		},
	})
	t.Cleanup(h.timers.StopAll)
	return h
}

// restart drops every in-memory timer, as a process crash would.
func (h *harness) restart() {
	h.timers.StopAll()
}

func (h *harness) start(t *testing.T, test *model.Test) *service.SessionView {
	t.Helper()
	h.store.addTest(test)
	v, err := h.engine.CreateSession(context.Background(), test.ID, h.student, false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return v
}

func choice(prompt string) model.Question {
	return model.Question{
		ID:            uuid.New(),
		Type:          model.QuestionTypeMultipleChoice,
		Prompt:        prompt,
		Options:       []model.Option{{ID: "A", Text: "yes"}, {ID: "B", Text: "no"}},
		CorrectAnswer: json.RawMessage(`"A"`),
		Points:        1,
	}
}

func questions(n int) []model.Question {
	out := make([]model.Question, n)
	for i := range out {
		out[i] = choice("question")
		out[i].OrderNum = i + 1
	}
	return out
}

func unsectionedTest(n int, limitSeconds int) *model.Test {
	return &model.Test{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		Title:            "Logic basics",
		Status:           model.TestStatusPublished,
		TimeLimitSeconds: limitSeconds,
		Questions:        questions(n),
	}
}

func sectionedTest(sections, perSection, limitSeconds int) *model.Test {
	t := &model.Test{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Title:          "Sectioned",
		Status:         model.TestStatusPublished,
	}
	for i := range sections {
		t.Sections = append(t.Sections, model.Section{
			ID:               uuid.New(),
			Title:            "Part",
			OrderNum:         i + 1,
			TimeLimitSeconds: limitSeconds,
			Questions:        questions(perSection),
		})
	}
	return t
}

var (
	correct = json.RawMessage(`"A"`)
	wrong   = json.RawMessage(`"B"`)
)

func (h *harness) answer(t *testing.T, id uuid.UUID, ans json.RawMessage) *service.TransitionResult {
	t.Helper()
	res, err := h.engine.SubmitAnswer(context.Background(), id, h.student, service.AnswerInput{Answer: ans})
	if err != nil {
		t.Fatalf("submit answer: %v", err)
	}
	return res
}

func (h *harness) skip(t *testing.T, id uuid.UUID) *service.TransitionResult {
	t.Helper()
	res, err := h.engine.SkipQuestion(context.Background(), id, h.student, nil)
	if err != nil {
		t.Fatalf("skip question: %v", err)
	}
	return res
}
