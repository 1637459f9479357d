package service_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func TestCreateSession_BuildsSnapshot(t *testing.T) {
	h := newHarness(t)
	test := sectionedTest(2, 3, 90)
	test.ShuffleQuestions = true
	v := h.start(t, test)

	if v.Status != model.SessionStatusInProgress || v.AttemptNumber != 1 {
		t.Fatalf("view = %+v", v)
	}
	if v.TimeRemaining != 90 || v.TotalTimeRemaining != 180 {
		t.Errorf("time remaining %d total %d, want 90 and 180", v.TimeRemaining, v.TotalTimeRemaining)
	}

	s := h.store.session(t, v.SessionID)
	if len(s.Snapshot.Sections) != 2 || len(s.Snapshot.Questions) != 6 {
		t.Fatalf("snapshot has %d sections %d questions", len(s.Snapshot.Sections), len(s.Snapshot.Questions))
	}
	if s.Snapshot.ShuffleSeed == "" {
		t.Error("shuffled snapshot must record its seed")
	}
	for i, q := range s.Snapshot.Questions {
		if q.FinalOrder != i {
			t.Errorf("question %d final order = %d", i, q.FinalOrder)
		}
		wantSection := i / 3
		if q.SectionIndex != wantSection {
			t.Errorf("question %d section = %d, want %d", i, q.SectionIndex, wantSection)
		}
	}
	if s.Snapshot.PassingScore != 70 {
		t.Errorf("passing score = %v, want default 70", s.Snapshot.PassingScore)
	}
	if q := s.Snapshot.Questions[0]; q.ViewCount != 1 || q.FirstViewedAt == nil {
		t.Errorf("first question must be marked viewed: %+v", q)
	}
	if v.Current.Question.Options == nil {
		t.Error("sanitized question keeps its options")
	}
	if !h.timers.HasTimer(v.SessionID) {
		t.Error("section timer must be armed")
	}
}

func TestCreateSession_SnapshotIsImmuneToLaterEdits(t *testing.T) {
	h := newHarness(t)
	test := unsectionedTest(1, 600)
	v := h.start(t, test)

	test.Questions[0].CorrectAnswer = []byte(`"B"`)
	h.store.addTest(test)

	res := h.answer(t, v.SessionID, correct)
	if res.Result.Score.CorrectCount != 1 {
		t.Fatalf("grading must use the frozen answer key, got %+v", res.Result.Score)
	}
}

func TestCreateSession_Eligibility(t *testing.T) {
	future := t0.Add(time.Hour)
	past := t0.Add(-time.Hour)
	tests := []struct {
		name   string
		mutate func(*model.Test)
		actor  func(service.Actor) service.Actor
		want   error
	}{
		{"other organization", nil, func(a service.Actor) service.Actor { a.OrganizationID = uuid.New(); return a }, service.ErrForbidden},
		{"draft test", func(t *model.Test) { t.Status = model.TestStatusDraft }, nil, service.ErrForbidden},
		{"role not allowed", func(t *model.Test) { t.AllowedRoles = []string{"candidate"} }, nil, service.ErrForbidden},
		{"not open yet", func(t *model.Test) { t.AvailableFrom = &future }, nil, service.ErrForbidden},
		{"closed", func(t *model.Test) { t.AvailableUntil = &past }, nil, service.ErrForbidden},
		{"no questions", func(t *model.Test) { t.Questions = nil }, nil, service.ErrInvalidState},
		{"untimed", func(t *model.Test) { t.TimeLimitSeconds = 0 }, nil, service.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			test := unsectionedTest(2, 600)
			if tt.mutate != nil {
				tt.mutate(test)
			}
			h.store.addTest(test)
			actor := h.student
			if tt.actor != nil {
				actor = tt.actor(actor)
			}

			_, err := h.engine.CreateSession(context.Background(), test.ID, actor, false)
			if !errors.Is(err, tt.want) {
				t.Fatalf("CreateSession() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("unknown test", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.CreateSession(context.Background(), uuid.New(), h.student, false)
		if !errors.Is(err, service.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestCreateSession_ConflictAndForceNew(t *testing.T) {
	h := newHarness(t)
	test := unsectionedTest(3, 600)
	first := h.start(t, test)
	h.answer(t, first.SessionID, correct)
	ctx := context.Background()

	_, err := h.engine.CreateSession(ctx, test.ID, h.student, false)
	var conflict *service.ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, service.ErrConflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
	if conflict.Existing.SessionID != first.SessionID || conflict.Existing.TestTitle != test.Title {
		t.Errorf("conflict summary = %+v", conflict.Existing)
	}
	if conflict.Existing.TimeRemaining != 600 {
		t.Errorf("conflict time remaining = %d, want 600", conflict.Existing.TimeRemaining)
	}

	second, err := h.engine.CreateSession(ctx, test.ID, h.student, true)
	if err != nil {
		t.Fatalf("force new: %v", err)
	}

	old := h.store.session(t, first.SessionID)
	if !old.Status.IsTerminal() {
		t.Fatalf("previous session status = %s, want terminal", old.Status)
	}
	res, err := h.store.GetResultBySession(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("previous session has no result: %v", err)
	}
	if res.Score.CorrectCount != 1 || res.Score.UnansweredCount != 2 {
		t.Errorf("previous result = %+v", res.Score)
	}
	if second.AttemptNumber != 2 || second.Status != model.SessionStatusInProgress {
		t.Errorf("new session = attempt %d status %s", second.AttemptNumber, second.Status)
	}
	active, _ := h.store.ListActiveSessionsByUser(ctx, h.student.UserID)
	if len(active) != 1 || active[0].ID != second.SessionID {
		t.Fatalf("active sessions = %d, want only the new one", len(active))
	}
	if h.timers.HasTimer(first.SessionID) {
		t.Error("previous session timer must be cleared")
	}
}

func TestCreateSession_ForceNewAbandonsUnansweredSession(t *testing.T) {
	h := newHarness(t)
	test := unsectionedTest(3, 600)
	first := h.start(t, test)
	ctx := context.Background()

	second, err := h.engine.CreateSession(ctx, test.ID, h.student, true)
	if err != nil {
		t.Fatalf("force new: %v", err)
	}

	old := h.store.session(t, first.SessionID)
	if old.Status != model.SessionStatusAbandoned {
		t.Errorf("previous session status = %s, want %s", old.Status, model.SessionStatusAbandoned)
	}
	res, err := h.store.GetResultBySession(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("previous session has no result: %v", err)
	}
	if res.Score.EarnedPoints != 0 || res.Score.Passed {
		t.Errorf("abandoned result = %+v, want zero score", res.Score)
	}
	if second.AttemptNumber != 2 {
		t.Errorf("new attempt number = %d, want 2", second.AttemptNumber)
	}
}

func TestCreateSession_RejectsQuestionsOutsideSections(t *testing.T) {
	h := newHarness(t)
	test := sectionedTest(2, 2, 300)
	test.Questions = questions(1)
	h.store.addTest(test)

	_, err := h.engine.CreateSession(context.Background(), test.ID, h.student, false)
	if !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}
	active, _ := h.store.ListActiveSessionsByUser(context.Background(), h.student.UserID)
	if len(active) != 0 {
		t.Errorf("active sessions = %d, want none", len(active))
	}
}

func TestCreateSession_AttemptLimit(t *testing.T) {
	t.Run("after a finished attempt", func(t *testing.T) {
		h := newHarness(t)
		test := unsectionedTest(1, 600)
		test.MaxAttempts = 1
		v := h.start(t, test)
		h.answer(t, v.SessionID, correct)

		_, err := h.engine.CreateSession(context.Background(), test.ID, h.student, false)
		if !errors.Is(err, service.ErrAttemptLimitExceeded) {
			t.Fatalf("error = %v, want ErrAttemptLimitExceeded", err)
		}
	})

	t.Run("force new keeps the last allowed attempt", func(t *testing.T) {
		h := newHarness(t)
		test := unsectionedTest(2, 600)
		test.MaxAttempts = 1
		v := h.start(t, test)

		_, err := h.engine.CreateSession(context.Background(), test.ID, h.student, true)
		if !errors.Is(err, service.ErrAttemptLimitExceeded) {
			t.Fatalf("error = %v, want ErrAttemptLimitExceeded", err)
		}
		if s := h.store.session(t, v.SessionID); s.Status != model.SessionStatusInProgress {
			t.Errorf("existing session status = %s, want untouched", s.Status)
		}
	})
}

func TestCreateSession_ReplacesExpiredSessionWithoutConflict(t *testing.T) {
	h := newHarness(t)
	test := unsectionedTest(2, 60)
	first := h.start(t, test)
	h.restart()
	h.clock.Advance(2 * time.Minute)

	second, err := h.engine.CreateSession(context.Background(), test.ID, h.student, false)
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if s := h.store.session(t, first.SessionID); s.Status != model.SessionStatusExpired {
		t.Errorf("old status = %s, want expired", s.Status)
	}
	if second.AttemptNumber != 2 {
		t.Errorf("attempt number = %d, want 2", second.AttemptNumber)
	}
}

func TestRejoin_ElapsedSectionAdvancesImmediately(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, sectionedTest(2, 2, 60)).SessionID

	h.restart()
	h.clock.Advance(60 * time.Second)

	v, err := h.engine.RejoinSession(context.Background(), id, h.student)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if v.Current.Navigation.SectionIndex != 1 || v.Current.Navigation.QuestionIndex != 2 {
		t.Fatalf("after rejoin cursor = %+v", v.Current.Navigation)
	}
	if v.TimeRemaining != 60 {
		t.Errorf("time remaining = %d, want the fresh section's 60", v.TimeRemaining)
	}
	s := h.store.session(t, id)
	if !slices.Equal(s.CompletedSections, []int{0}) {
		t.Errorf("completed sections = %v", s.CompletedSections)
	}
	if idx, ok := h.timers.SectionIndex(id); !ok || idx != 1 {
		t.Errorf("timer section = %d (%v), want 1", idx, ok)
	}
	if h.bus.count(notify.EventSectionExpired) != 1 {
		t.Errorf("section_expired broadcast %d times", h.bus.count(notify.EventSectionExpired))
	}
}

func TestRejoin_ElapsedLastSectionFinalizes(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(2, 60)).SessionID

	h.restart()
	h.clock.Advance(60 * time.Second)

	_, err := h.engine.RejoinSession(context.Background(), id, h.student)
	var expired *service.ExpiredError
	if !errors.As(err, &expired) || !errors.Is(err, service.ErrExpired) {
		t.Fatalf("error = %v, want ExpiredError", err)
	}
	if expired.Result == nil || expired.Result.Score.UnansweredCount != 2 {
		t.Fatalf("result = %+v", expired.Result)
	}
	if s := h.store.session(t, id); s.Status != model.SessionStatusExpired {
		t.Errorf("status = %s, want expired", s.Status)
	}
}

func TestRejoin_Rejections(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(2, 600)).SessionID
	ctx := context.Background()

	other := service.Actor{UserID: uuid.New(), OrganizationID: orgID, Role: "student"}
	if _, err := h.engine.RejoinSession(ctx, id, other); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("other user error = %v, want ErrForbidden", err)
	}

	if _, err := h.engine.AbandonSession(ctx, id, h.student); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.RejoinSession(ctx, id, h.student); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("terminal session error = %v, want ErrInvalidState", err)
	}
}

func TestRejoin_ResumesPausedSession(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(2, 300)).SessionID
	ctx := context.Background()

	h.clock.Advance(40 * time.Second)
	if err := h.engine.HandleDisconnect(ctx, id); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(60 * time.Second)

	v, err := h.engine.RejoinSession(ctx, id, h.student)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != model.SessionStatusInProgress || v.TimeRemaining != 260 {
		t.Fatalf("status %s remaining %d, want in_progress 260", v.Status, v.TimeRemaining)
	}
	s := h.store.session(t, id)
	if !s.IsConnected || s.DisconnectedAt != nil {
		t.Errorf("connection flags connected=%v disconnected_at=%v", s.IsConnected, s.DisconnectedAt)
	}
	if h.timers.HasGracePeriod(id) {
		t.Error("grace period must be cleared on rejoin")
	}
	if got, _ := h.timers.GetTimeRemaining(id); got != 260 {
		t.Errorf("timer remaining = %d, want 260", got)
	}
}

func TestCheckRejoinRequest(t *testing.T) {
	t.Run("nothing to resume", func(t *testing.T) {
		h := newHarness(t)
		got, err := h.engine.CheckRejoinRequest(context.Background(), h.student)
		if err != nil {
			t.Fatal(err)
		}
		if got.CanRejoin || got.SessionID != nil {
			t.Fatalf("check = %+v", got)
		}
	})

	t.Run("live session", func(t *testing.T) {
		h := newHarness(t)
		id := h.start(t, unsectionedTest(2, 600)).SessionID
		h.clock.Advance(100 * time.Second)

		got, err := h.engine.CheckRejoinRequest(context.Background(), h.student)
		if err != nil {
			t.Fatal(err)
		}
		if !got.CanRejoin || *got.SessionID != id || *got.TimeRemaining != 500 {
			t.Fatalf("check = %+v", got)
		}
	})

	t.Run("expired session is finalized instead of offered", func(t *testing.T) {
		h := newHarness(t)
		id := h.start(t, unsectionedTest(2, 60)).SessionID
		h.restart()
		h.clock.Advance(90 * time.Second)

		got, err := h.engine.CheckRejoinRequest(context.Background(), h.student)
		if err != nil {
			t.Fatal(err)
		}
		if got.CanRejoin {
			t.Fatalf("expired session offered for rejoin: %+v", got)
		}
		if s := h.store.session(t, id); s.Status != model.SessionStatusExpired {
			t.Errorf("status = %s, want expired", s.Status)
		}
		if h.store.resultCount() != 1 {
			t.Errorf("results = %d, want 1", h.store.resultCount())
		}
	})

	t.Run("paused past grace counts the lost time", func(t *testing.T) {
		h := newHarness(t)
		id := h.start(t, unsectionedTest(2, 600)).SessionID
		if err := h.engine.HandleDisconnect(context.Background(), id); err != nil {
			t.Fatal(err)
		}
		h.restart()
		h.clock.Advance(gracePeriod + 100*time.Second)

		got, err := h.engine.CheckRejoinRequest(context.Background(), h.student)
		if err != nil {
			t.Fatal(err)
		}
		if !got.CanRejoin || *got.TimeRemaining != 500 {
			t.Fatalf("check = %+v, want 500s remaining", got)
		}
	})
}

func TestAbandonSession(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(3, 600)).SessionID
	h.answer(t, id, correct)
	ctx := context.Background()

	other := service.Actor{UserID: uuid.New(), OrganizationID: orgID, Role: "student"}
	if _, err := h.engine.AbandonSession(ctx, id, other); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("other user error = %v, want ErrForbidden", err)
	}

	res, err := h.engine.AbandonSession(ctx, id, h.student)
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionStatus != model.SessionStatusAbandoned || res.Score.EarnedPoints != 0 || res.Score.UnansweredCount != 3 {
		t.Fatalf("result = %+v", res)
	}
	if s := h.store.session(t, id); s.Status != model.SessionStatusAbandoned {
		t.Errorf("status = %s", s.Status)
	}
	if h.store.statCount() != 0 {
		t.Errorf("abandoned attempts must not update statistics")
	}
	if h.bus.count(notify.EventSessionAbandoned) != 1 {
		t.Errorf("session_abandoned broadcast %d times", h.bus.count(notify.EventSessionAbandoned))
	}
	if _, err := h.engine.AbandonSession(ctx, id, h.student); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("second abandon error = %v, want ErrInvalidState", err)
	}
}

func TestSync_RederivesLostTimer(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(2, 600)).SessionID
	h.restart()
	h.clock.Advance(45 * time.Second)

	got, err := h.engine.Sync(context.Background(), id, h.student)
	if err != nil {
		t.Fatal(err)
	}
	if got.TimeRemaining != 555 || got.Status != model.SessionStatusInProgress {
		t.Fatalf("sync = %+v", got)
	}
	if remaining, ok := h.timers.GetTimeRemaining(id); !ok || remaining != 555 {
		t.Errorf("timer = %d (%v), want 555", remaining, ok)
	}
}

func TestGetResult(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(1, 600)).SessionID
	ctx := context.Background()

	if _, err := h.engine.GetResult(ctx, id, h.student); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("in-progress result error = %v, want ErrInvalidState", err)
	}
	h.answer(t, id, correct)
	res, err := h.engine.GetResult(ctx, id, h.student)
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != id || res.Score.Percentage != 100 {
		t.Errorf("result = %+v", res)
	}
}

func TestGetCurrentQuestion(t *testing.T) {
	h := newHarness(t)
	v := h.start(t, sectionedTest(2, 2, 300))
	id := v.SessionID

	h.answer(t, id, correct)
	h.clock.Advance(10 * time.Second)

	view, err := h.engine.GetCurrentQuestion(context.Background(), id, h.student)
	if err != nil {
		t.Fatalf("get current question: %v", err)
	}
	nav := view.Navigation
	if nav.QuestionIndex != 1 || nav.QuestionNumberInSection != 2 || !nav.IsLastQuestionInSection {
		t.Errorf("position = %+v", nav)
	}
	if nav.SectionQuestionCount != 2 || nav.TotalQuestions != 4 || nav.TotalSections != 2 || nav.AnsweredCount != 1 {
		t.Errorf("counts = %+v", nav)
	}
	if nav.TimeRemaining != 290 {
		t.Errorf("time remaining = %d, want 290", nav.TimeRemaining)
	}
	if view.Question.QuestionID != h.store.session(t, id).Snapshot.Questions[1].QuestionID {
		t.Error("view must show the question under the cursor")
	}

	stranger := h.student
	stranger.UserID = uuid.New()
	if _, err := h.engine.GetCurrentQuestion(context.Background(), id, stranger); !errors.Is(err, service.ErrForbidden) {
		t.Errorf("stranger err = %v, want ErrForbidden", err)
	}
}
