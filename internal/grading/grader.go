package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/executor"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Executor runs student code against test cases.
type Executor interface {
	Execute(ctx context.Context, sub executor.Submission) (*executor.Result, error)
}

// Grader grades answers against the frozen snapshot of a question.
type Grader struct {
	exec    Executor
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewGrader creates a new Grader.
func NewGrader(exec Executor, m *metrics.Metrics, log zerolog.Logger) *Grader {
	return &Grader{
		exec:    exec,
		metrics: m,
		log:     log.With().Str("component", "grader").Logger(),
	}
}

// Grade grades one answer. An error means no verdict could be produced (the
// execution service failed); a wrong answer is never an error.
func (g *Grader) Grade(ctx context.Context, q *model.SnapshotQuestion, answer json.RawMessage) (model.Grade, error) {
	start := time.Now()
	defer g.metrics.ObserveGrading(string(q.Type), start)

	switch q.Type {
	case model.QuestionTypeMultipleChoice, model.QuestionTypeTrueFalse:
		return verdict(matchChoice(q.CorrectAnswer, answer), q.Points), nil
	case model.QuestionTypeFillBlank:
		return verdict(matchBlanks(q.Blanks, answer), q.Points), nil
	case model.QuestionTypeCode:
		if q.Category == model.QuestionCategoryUI {
			return model.Grade{PendingReview: true}, nil
		}
		return g.gradeCode(ctx, q, answer)
	default:
		return model.Grade{}, fmt.Errorf("unknown question type %q", q.Type)
	}
}

func (g *Grader) gradeCode(ctx context.Context, q *model.SnapshotQuestion, answer json.RawMessage) (model.Grade, error) {
	code := extractCode(answer)
	if strings.TrimSpace(code) == "" {
		return verdict(false, q.Points), nil
	}

	res, err := g.exec.Execute(ctx, executor.Submission{
		Code:          code,
		Language:      q.Language,
		Runtime:       q.Runtime,
		EntryFunction: q.EntryFunction,
		TestCases:     q.TestCases,
		TimeoutMs:     q.TimeoutMs,
	})
	if err != nil {
		return model.Grade{}, fmt.Errorf("execute question %s: %w", q.QuestionID, err)
	}

	passed := res.Success && res.OverallPassed && res.TotalTests > 0 && res.TotalTestsPassed == res.TotalTests
	if !passed {
		g.log.Debug().
			Str("question_id", q.QuestionID.String()).
			Int("passed", res.TotalTestsPassed).
			Int("total", res.TotalTests).
			Str("compilation_error", res.CompilationError).
			Str("execution_error", res.ExecutionError).
			Msg("Code answer failed test cases")
	}
	return verdict(passed, q.Points), nil
}

// ScoreSession re-grades every question of the snapshot and builds the ledger.
// Questions never answered score zero as unanswered, never as incorrect.
func (g *Grader) ScoreSession(ctx context.Context, s *model.Session, passingScore float64) (model.FinalScore, []model.ResultAnswer, error) {
	score := newScore(len(s.Snapshot.Questions), passingScore)
	answers := make([]model.ResultAnswer, 0, len(s.Snapshot.Questions))

	for idx := range s.Snapshot.Questions {
		q := &s.Snapshot.Questions[idx]
		line := model.ResultAnswer{
			QuestionIndex:    idx,
			QuestionID:       q.QuestionID,
			Type:             q.Type,
			PointsPossible:   q.Points,
			TimeSpentSeconds: q.TimeSpentSeconds,
		}

		if !s.IsAnswered(idx) || len(q.StudentAnswer) == 0 {
			line.Outcome = model.AnswerOutcomeUnanswered
		} else {
			line.Answer = q.StudentAnswer
			grade, err := g.Grade(ctx, q, q.StudentAnswer)
			if err != nil {
				return model.FinalScore{}, nil, err
			}
			switch {
			case grade.PendingReview:
				line.Outcome = model.AnswerOutcomePendingReview
			case grade.IsCorrect != nil && *grade.IsCorrect:
				line.Outcome = model.AnswerOutcomeCorrect
				line.PointsEarned = grade.PointsEarned
			default:
				line.Outcome = model.AnswerOutcomeIncorrect
			}
		}

		score.add(line)
		answers = append(answers, line)
	}

	score.finish(s)
	return score.FinalScore, answers, nil
}

// Unanswered builds the zero-score ledger of a session that ends without grading.
func Unanswered(s *model.Session, passingScore float64) (model.FinalScore, []model.ResultAnswer) {
	score := newScore(len(s.Snapshot.Questions), passingScore)
	answers := make([]model.ResultAnswer, 0, len(s.Snapshot.Questions))
	for idx, q := range s.Snapshot.Questions {
		line := model.ResultAnswer{
			QuestionIndex:    idx,
			QuestionID:       q.QuestionID,
			Type:             q.Type,
			Outcome:          model.AnswerOutcomeUnanswered,
			PointsPossible:   q.Points,
			TimeSpentSeconds: q.TimeSpentSeconds,
		}
		score.add(line)
		answers = append(answers, line)
	}
	score.finish(s)
	return score.FinalScore, answers
}

type scoreBuilder struct {
	model.FinalScore
}

func newScore(total int, passingScore float64) *scoreBuilder {
	return &scoreBuilder{model.FinalScore{
		TotalQuestions: total,
		PassingScore:   passingScore,
		Categories:     make(map[model.QuestionType]model.CategoryScore),
	}}
}

func (b *scoreBuilder) add(line model.ResultAnswer) {
	cat := b.Categories[line.Type]
	cat.Total++
	cat.PointsPossible += line.PointsPossible
	cat.PointsEarned += line.PointsEarned
	b.TotalPoints += line.PointsPossible
	b.EarnedPoints += line.PointsEarned

	switch line.Outcome {
	case model.AnswerOutcomeCorrect:
		cat.Correct++
		b.CorrectCount++
	case model.AnswerOutcomeIncorrect:
		cat.Incorrect++
		b.IncorrectCount++
	case model.AnswerOutcomePendingReview:
		cat.PendingReview++
		b.PendingReviewCount++
	default:
		cat.Unanswered++
		b.UnansweredCount++
	}
	b.Categories[line.Type] = cat
}

func (b *scoreBuilder) finish(s *model.Session) {
	if b.TotalPoints > 0 {
		b.Percentage = math.Round(b.EarnedPoints/b.TotalPoints*10000) / 100
	}
	b.Passed = b.Percentage >= b.PassingScore
	for _, used := range s.SectionTimeUsed {
		b.TotalTimeUsed += used
	}
	b.TotalTimeUsed = math.Round(b.TotalTimeUsed*100) / 100
}

func verdict(correct bool, points float64) model.Grade {
	g := model.Grade{IsCorrect: &correct}
	if correct {
		g.PointsEarned = points
	}
	return g
}

// matchChoice compares a choice answer against the key after normalizing scalar
// representations, so "1" matches 1 and "true" matches true. Arrays compare as sets.
func matchChoice(key, answer json.RawMessage) bool {
	var k, a any
	if json.Unmarshal(key, &k) != nil || json.Unmarshal(answer, &a) != nil {
		return false
	}
	k, a = unwrapSelection(k), unwrapSelection(a)

	kl, kIsList := k.([]any)
	al, aIsList := a.([]any)
	switch {
	case kIsList && aIsList:
		return sameSet(kl, al)
	case kIsList && len(kl) == 1:
		return normalize(kl[0]) == normalize(a)
	case aIsList && len(al) == 1:
		return normalize(k) == normalize(al[0])
	case kIsList || aIsList:
		return false
	default:
		return k != nil && normalize(k) == normalize(a)
	}
}

// unwrapSelection accepts {"selected": x} envelopes as well as bare values.
func unwrapSelection(v any) any {
	if m, ok := v.(map[string]any); ok {
		for _, field := range []string{"selected", "answer", "value"} {
			if inner, ok := m[field]; ok {
				return inner
			}
		}
	}
	return v
}

func sameSet(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[any]int, len(a))
	for _, v := range a {
		counts[normalize(v)]++
	}
	for _, v := range b {
		n := normalize(v)
		if counts[n] == 0 {
			return false
		}
		counts[n]--
	}
	return true
}

// normalize maps a JSON scalar onto a comparable canonical form.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		switch strings.ToLower(s) {
		case "true":
			return true
		case "false":
			return false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case float64, bool, nil:
		return t
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

// matchBlanks grades a fill-in-the-blank answer all-or-nothing. The answer is
// either an object keyed by blank id or an array in blank order.
func matchBlanks(blanks []model.Blank, answer json.RawMessage) bool {
	if len(blanks) == 0 {
		return false
	}

	given := make(map[string]string, len(blanks))
	var byID map[string]any
	var ordered []any
	switch {
	case json.Unmarshal(answer, &byID) == nil:
		if inner, ok := byID["blanks"].(map[string]any); ok {
			byID = inner
		}
		for id, v := range byID {
			given[id] = scalarString(v)
		}
	case json.Unmarshal(answer, &ordered) == nil:
		for i, v := range ordered {
			if i < len(blanks) {
				given[blanks[i].ID] = scalarString(v)
			}
		}
	default:
		return false
	}

	for _, b := range blanks {
		got, ok := given[b.ID]
		if !ok || !blankAccepts(b, got) {
			return false
		}
	}
	return true
}

func blankAccepts(b model.Blank, got string) bool {
	got = strings.TrimSpace(got)
	if got == "" {
		return false
	}
	for _, accepted := range b.AcceptedAnswers {
		accepted = strings.TrimSpace(accepted)
		if b.CaseSensitive {
			if got == accepted {
				return true
			}
		} else if strings.EqualFold(got, accepted) {
			return true
		}
	}
	return false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

// extractCode accepts {"code": "..."} or a bare JSON string.
func extractCode(answer json.RawMessage) string {
	var wrapped struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(answer, &wrapped) == nil && wrapped.Code != "" {
		return wrapped.Code
	}
	var bare string
	if json.Unmarshal(answer, &bare) == nil {
		return bare
	}
	return ""
}
