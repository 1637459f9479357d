package service_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func TestScenario_SkipThenReviewCompletes(t *testing.T) {
	h := newHarness(t)
	v := h.start(t, unsectionedTest(3, 600))
	id := v.SessionID

	if got := v.Current.Navigation.QuestionIndex; got != 0 {
		t.Fatalf("first question index = %d, want 0", got)
	}

	res := h.answer(t, id, correct)
	if res.Action != "advance_to_next_question" || res.Next.Navigation.QuestionIndex != 1 {
		t.Fatalf("after Q1: action %s index %d", res.Action, res.Next.Navigation.QuestionIndex)
	}

	res = h.skip(t, id)
	if res.Action != "advance_to_next_question" || res.Next.Navigation.QuestionIndex != 2 {
		t.Fatalf("after skipping Q2: action %s index %d", res.Action, res.Next.Navigation.QuestionIndex)
	}

	res = h.answer(t, id, correct)
	if res.Action != "start_review_phase" {
		t.Fatalf("after Q3: action = %s, want start_review_phase", res.Action)
	}
	nav := res.Next.Navigation
	if !nav.ReviewPhase || nav.QuestionIndex != 1 || !slices.Equal(nav.SkippedRemaining, []int{1}) {
		t.Fatalf("review navigation = %+v", nav)
	}

	res = h.answer(t, id, correct)
	if res.Action != "complete_test" || !res.Completed {
		t.Fatalf("after review answer: action %s completed %v", res.Action, res.Completed)
	}
	if res.Result == nil {
		t.Fatal("completion must return the result")
	}
	score := res.Result.Score
	if score.EarnedPoints != 3 || score.TotalPoints != 3 || score.CorrectCount != 3 || !score.Passed {
		t.Errorf("score = %+v, want 3/3 passed", score)
	}

	s := h.store.session(t, id)
	if s.Status != model.SessionStatusCompleted || s.FinalScore == nil || s.CompletedAt == nil {
		t.Errorf("session status %s final score %v", s.Status, s.FinalScore)
	}
	if h.timers.HasTimer(id) {
		t.Error("timer must be cleared after completion")
	}
	if h.store.statCount() != 1 {
		t.Errorf("statistics updated %d times, want 1", h.store.statCount())
	}
	if h.bus.count(notify.EventTestCompleted) != 1 {
		t.Errorf("test_completed broadcast %d times, want 1", h.bus.count(notify.EventTestCompleted))
	}
}

func TestSubmitAnswer_DoesNotRevealCorrectness(t *testing.T) {
	h := newHarness(t)
	v := h.start(t, unsectionedTest(2, 600))

	res := h.answer(t, v.SessionID, wrong)
	if res.Result != nil {
		t.Fatal("result must not be returned before completion")
	}
	prev := h.store.session(t, v.SessionID).Snapshot.Questions[0]
	if prev.IsCorrect == nil || *prev.IsCorrect {
		t.Fatalf("immediate grade not stored: %+v", prev.IsCorrect)
	}
	if res.Next.Question.StudentAnswer != nil {
		t.Error("next question must have no answer yet")
	}
}

func TestSubmitAnswer_Rejections(t *testing.T) {
	stale := 2
	tests := []struct {
		name    string
		prepare func(t *testing.T, h *harness, id uuid.UUID)
		actor   func(h *harness) service.Actor
		input   service.AnswerInput
		want    error
	}{
		{
			name: "not the owner",
			actor: func(*harness) service.Actor {
				return service.Actor{UserID: uuid.New(), OrganizationID: orgID, Role: "student"}
			},
			input: service.AnswerInput{Answer: correct},
			want:  service.ErrForbidden,
		},
		{
			name:  "stale question index",
			input: service.AnswerInput{QuestionIndex: &stale, Answer: correct},
			want:  service.ErrInvalidState,
		},
		{
			name:  "empty answer",
			input: service.AnswerInput{},
			want:  service.ErrInvalidInput,
		},
		{
			name: "paused session",
			prepare: func(t *testing.T, h *harness, id uuid.UUID) {
				if err := h.engine.HandleDisconnect(context.Background(), id); err != nil {
					t.Fatal(err)
				}
			},
			input: service.AnswerInput{Answer: correct},
			want:  service.ErrInvalidState,
		},
		{
			name: "abandoned session",
			prepare: func(t *testing.T, h *harness, id uuid.UUID) {
				if _, err := h.engine.AbandonSession(context.Background(), id, h.student); err != nil {
					t.Fatal(err)
				}
			},
			input: service.AnswerInput{Answer: correct},
			want:  service.ErrInvalidState,
		},
		{
			name:  "unknown session",
			input: service.AnswerInput{Answer: correct},
			want:  service.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := h.start(t, unsectionedTest(3, 600)).SessionID
			if tt.prepare != nil {
				tt.prepare(t, h, id)
			}
			actor := h.student
			if tt.actor != nil {
				actor = tt.actor(h)
			}
			if tt.want == service.ErrNotFound {
				id = uuid.New()
			}

			_, err := h.engine.SubmitAnswer(context.Background(), id, actor, tt.input)
			if !errors.Is(err, tt.want) {
				t.Fatalf("SubmitAnswer() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitAnswer_ConcurrentSubmissionsAdvanceOnce(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(3, 600)).SessionID
	zero := 0

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.SubmitAnswer(context.Background(), id, h.student, service.AnswerInput{QuestionIndex: &zero, Answer: correct})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, service.ErrInvalidState):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || rejected != 1 {
		t.Fatalf("succeeded=%d rejected=%d, want 1 and 1", succeeded, rejected)
	}
	if got := h.store.session(t, id).CurrentQuestionIndex; got != 1 {
		t.Errorf("cursor = %d, want 1", got)
	}
}

func TestSubmitAnswer_AfterSectionTimeElapsed(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(2, 60)).SessionID
	h.restart()
	h.clock.Advance(61 * time.Second)

	_, err := h.engine.SubmitAnswer(context.Background(), id, h.student, service.AnswerInput{Answer: correct})
	var expired *service.ExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("error = %v, want ExpiredError", err)
	}
	if expired.Result == nil || expired.Result.SessionStatus != model.SessionStatusExpired {
		t.Fatalf("expired result = %+v", expired.Result)
	}
}

func TestSkipInReview_CyclesThroughPending(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(4, 600)).SessionID
	ctx := context.Background()

	h.skip(t, id)
	h.skip(t, id)
	h.answer(t, id, correct)
	res := h.skip(t, id)
	if res.Action != "start_review_phase" || res.Next.Navigation.QuestionIndex != 0 {
		t.Fatalf("review start: action %s index %d", res.Action, res.Next.Navigation.QuestionIndex)
	}

	for _, want := range []int{1, 3, 0} {
		res = h.skip(t, id)
		if got := res.Next.Navigation.QuestionIndex; got != want {
			t.Fatalf("skip in review moved to %d, want %d", got, want)
		}
	}

	res = h.answer(t, id, correct)
	if got := res.Next.Navigation.QuestionIndex; got != 1 {
		t.Fatalf("after answering Q0 in review cursor = %d, want lowest pending 1", got)
	}

	view, err := h.engine.NavigateToQuestion(ctx, id, h.student, 3)
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if view.Navigation.QuestionIndex != 3 {
		t.Fatalf("navigate cursor = %d, want 3", view.Navigation.QuestionIndex)
	}
	if _, err := h.engine.NavigateToQuestion(ctx, id, h.student, 2); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("navigate to answered question error = %v, want ErrInvalidInput", err)
	}

	h.answer(t, id, correct)
	res = h.answer(t, id, wrong)
	if !res.Completed {
		t.Fatalf("expected completion, got %s", res.Action)
	}
	if s := res.Result.Score; s.CorrectCount != 3 || s.IncorrectCount != 1 || s.UnansweredCount != 0 {
		t.Errorf("score = %+v", s)
	}
}

func TestNavigateToQuestion_OnlyDuringReview(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(3, 600)).SessionID
	h.skip(t, id)

	if _, err := h.engine.NavigateToQuestion(context.Background(), id, h.student, 0); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}
}

func TestSectionExpiry_LocksSkippedQuestions(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, sectionedTest(2, 2, 60)).SessionID

	h.skip(t, id)
	h.clock.Advance(60 * time.Second)

	s := h.store.session(t, id)
	if s.CurrentSectionIndex != 1 || s.CurrentQuestionIndex != 2 {
		t.Fatalf("after expiry cursor = section %d question %d", s.CurrentSectionIndex, s.CurrentQuestionIndex)
	}
	if len(s.SkippedQuestions) != 0 {
		t.Fatalf("skipped questions of an expired section must be dropped, got %v", s.SkippedQuestions)
	}
	if !slices.Equal(s.CompletedSections, []int{0}) {
		t.Errorf("completed sections = %v", s.CompletedSections)
	}
	if s.SectionTimeUsed[0] != 60 {
		t.Errorf("section 0 time used = %v, want 60", s.SectionTimeUsed[0])
	}
	if h.bus.count(notify.EventSectionExpired) != 1 {
		t.Errorf("section_expired broadcast %d times", h.bus.count(notify.EventSectionExpired))
	}

	h.answer(t, id, correct)
	res := h.answer(t, id, correct)
	if !res.Completed {
		t.Fatalf("expected completion without review, got %s", res.Action)
	}
	if sc := res.Result.Score; sc.CorrectCount != 2 || sc.UnansweredCount != 2 || sc.IncorrectCount != 0 {
		t.Errorf("score = %+v", sc)
	}
}

func TestLastSectionExpiry_FinalizesAsExpired(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, sectionedTest(2, 2, 60)).SessionID
	h.answer(t, id, correct)

	h.clock.Advance(60 * time.Second)
	h.clock.Advance(60 * time.Second)

	s := h.store.session(t, id)
	if s.Status != model.SessionStatusExpired {
		t.Fatalf("status = %s, want expired", s.Status)
	}
	res, err := h.engine.GetResult(context.Background(), id, h.student)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score.CorrectCount != 1 || res.Score.UnansweredCount != 3 {
		t.Errorf("score = %+v", res.Score)
	}
	if h.timers.HasTimer(id) {
		t.Error("timer must be cleared")
	}
}

func TestSubmitSection(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, sectionedTest(2, 3, 60)).SessionID
	ctx := context.Background()

	h.answer(t, id, correct)
	res, err := h.engine.SubmitSection(ctx, id, h.student)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != "advance_to_next_section" || res.Next.Navigation.QuestionIndex != 3 {
		t.Fatalf("action %s index %d", res.Action, res.Next.Navigation.QuestionIndex)
	}
	if remaining, _ := h.timers.GetTimeRemaining(id); remaining != 60 {
		t.Errorf("new section timer = %d, want 60", remaining)
	}

	h.skip(t, id)
	res, err = h.engine.SubmitSection(ctx, id, h.student)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != "start_review_phase" || res.Next.Navigation.QuestionIndex != 3 {
		t.Fatalf("action %s index %d", res.Action, res.Next.Navigation.QuestionIndex)
	}
	if _, err := h.engine.SubmitSection(ctx, id, h.student); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("submit section in review error = %v, want ErrInvalidState", err)
	}

	res = h.answer(t, id, correct)
	if !res.Completed {
		t.Fatalf("expected completion, got %s", res.Action)
	}
	if sc := res.Result.Score; sc.CorrectCount != 2 || sc.UnansweredCount != 4 {
		t.Errorf("score = %+v", sc)
	}
}

func TestSubmitAnswer_ObservesGradingOnce(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, unsectionedTest(3, 600)).SessionID
	h.answer(t, id, correct)
	h.answer(t, id, wrong)

	reg := prometheus.NewRegistry()
	reg.MustRegister(h.metrics.GradingDuration)
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var samples uint64
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			samples += m.GetHistogram().GetSampleCount()
		}
	}
	if samples != 2 {
		t.Errorf("grading samples = %d, want 2", samples)
	}
}

func TestStartReview(t *testing.T) {
	t.Run("returns the review cursor once every question is resolved", func(t *testing.T) {
		h := newHarness(t)
		id := h.start(t, unsectionedTest(3, 600)).SessionID
		h.skip(t, id)
		h.answer(t, id, correct)
		if res := h.answer(t, id, correct); res.Action != "start_review_phase" {
			t.Fatalf("action = %s, want start_review_phase", res.Action)
		}

		res, err := h.engine.StartReview(context.Background(), id, h.student)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Next.Navigation.ReviewPhase || res.Next.Navigation.QuestionIndex != 0 {
			t.Fatalf("navigation = %+v", res.Next.Navigation)
		}

		again, err := h.engine.StartReview(context.Background(), id, h.student)
		if err != nil {
			t.Fatalf("second StartReview: %v", err)
		}
		if again.Next.Navigation.QuestionIndex != 0 {
			t.Errorf("second StartReview moved the cursor to %d", again.Next.Navigation.QuestionIndex)
		}
	})

	t.Run("rejected while questions remain unreached", func(t *testing.T) {
		h := newHarness(t)
		id := h.start(t, unsectionedTest(4, 600)).SessionID
		h.skip(t, id)

		if _, err := h.engine.StartReview(context.Background(), id, h.student); !errors.Is(err, service.ErrInvalidState) {
			t.Fatalf("error = %v, want ErrInvalidState", err)
		}
		s := h.store.session(t, id)
		if s.ReviewPhase || s.CurrentQuestionIndex != 1 {
			t.Fatalf("review = %v cursor = %d, want no review at 1", s.ReviewPhase, s.CurrentQuestionIndex)
		}

		h.answer(t, id, correct)
		h.answer(t, id, correct)
		if res := h.answer(t, id, correct); res.Action != "start_review_phase" {
			t.Fatalf("action = %s, want start_review_phase", res.Action)
		}
		if res := h.answer(t, id, correct); !res.Completed {
			t.Fatalf("expected completion, got %s", res.Action)
		} else if sc := res.Result.Score; sc.CorrectCount != 4 || sc.UnansweredCount != 0 {
			t.Errorf("score = %+v", sc)
		}
	})

	t.Run("rejected before the last section", func(t *testing.T) {
		h := newHarness(t)
		id := h.start(t, sectionedTest(2, 2, 60)).SessionID
		h.skip(t, id)
		if _, err := h.engine.StartReview(context.Background(), id, h.student); !errors.Is(err, service.ErrInvalidState) {
			t.Fatalf("error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("rejected without skipped questions", func(t *testing.T) {
		h := newHarness(t)
		id := h.start(t, unsectionedTest(3, 600)).SessionID
		if _, err := h.engine.StartReview(context.Background(), id, h.student); !errors.Is(err, service.ErrInvalidState) {
			t.Fatalf("error = %v, want ErrInvalidState", err)
		}
	})
}

func TestTimerAgreesWithRecord(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, sectionedTest(2, 2, 120)).SessionID

	check := func(step string) {
		t.Helper()
		s := h.store.session(t, id)
		fromTimer, ok := h.timers.GetTimeRemaining(id)
		if !ok {
			t.Fatalf("%s: no timer", step)
		}
		fromRecord := s.CalculateTimeRemaining(h.clock.Now())
		if diff := fromTimer - fromRecord; diff < -1 || diff > 1 {
			t.Errorf("%s: timer %ds, record %ds", step, fromTimer, fromRecord)
		}
	}

	h.clock.Advance(17 * time.Second)
	h.answer(t, id, correct)
	check("after answer")

	h.clock.Advance(40 * time.Second)
	h.answer(t, id, correct)
	check("after section advance")

	h.clock.Advance(5 * time.Second)
	if err := h.engine.HandleDisconnect(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	check("while paused")
}
