package service

import (
	"cmp"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// buildSnapshot freezes the test into a per-attempt copy. Questions are shuffled within
// their section with a seed derived from user, test, time and random bytes; the seed is
// kept on the snapshot for audit.
func buildSnapshot(t *model.Test, userID uuid.UUID, now time.Time, defaultPassing float64) (model.TestSnapshot, error) {
	seed, rng := shuffleSource(userID, t.ID, now)

	passing := defaultPassing
	if t.PassingScore != nil && *t.PassingScore > 0 {
		passing = *t.PassingScore
	}

	snap := model.TestSnapshot{
		TestID:       t.ID,
		Title:        t.Title,
		Sectioned:    t.IsSectioned(),
		PassingScore: passing,
		TakenAt:      now,
	}
	if t.ShuffleQuestions {
		snap.ShuffleSeed = seed
	}

	sections := t.Sections
	if t.IsSectioned() && len(t.Questions) > 0 {
		return model.TestSnapshot{}, invalidState("test %s has %d questions outside any section", t.ID, len(t.Questions))
	}
	if !t.IsSectioned() {
		sections = []model.Section{{
			Title:            t.Title,
			TimeLimitSeconds: t.TimeLimitSeconds,
			Questions:        t.Questions,
		}}
	}
	sections = slices.Clone(sections)
	slices.SortStableFunc(sections, func(a, b model.Section) int { return cmp.Compare(a.OrderNum, b.OrderNum) })

	for _, sec := range sections {
		if len(sec.Questions) == 0 {
			continue
		}
		if sec.TimeLimitSeconds <= 0 {
			return model.TestSnapshot{}, invalidState("section %q has no time limit", sec.Title)
		}

		questions := slices.Clone(sec.Questions)
		slices.SortStableFunc(questions, func(a, b model.Question) int { return cmp.Compare(a.OrderNum, b.OrderNum) })
		order := make([]int, len(questions))
		for i := range order {
			order[i] = i
		}
		if t.ShuffleQuestions {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}

		idx := len(snap.Sections)
		snap.Sections = append(snap.Sections, model.SectionSnapshot{
			Index:              idx,
			SectionID:          sec.ID,
			Title:              sec.Title,
			TimeLimitSeconds:   sec.TimeLimitSeconds,
			FirstQuestionIndex: len(snap.Questions),
			QuestionCount:      len(questions),
		})
		snap.TimeLimitSeconds += sec.TimeLimitSeconds

		for _, original := range order {
			snap.Questions = append(snap.Questions, freezeQuestion(questions[original], idx, original, len(snap.Questions)))
		}
	}

	if len(snap.Questions) == 0 {
		return model.TestSnapshot{}, invalidState("test %s has no questions", t.ID)
	}
	return snap, nil
}

func freezeQuestion(q model.Question, sectionIdx, originalOrder, finalOrder int) model.SnapshotQuestion {
	return model.SnapshotQuestion{
		QuestionID:    q.ID,
		SectionIndex:  sectionIdx,
		OriginalOrder: originalOrder,
		FinalOrder:    finalOrder,
		Type:          q.Type,
		Category:      q.Category,
		Prompt:        q.Prompt,
		Options:       slices.Clone(q.Options),
		Points:        q.Points,
		CorrectAnswer: slices.Clone(q.CorrectAnswer),
		Blanks:        slices.Clone(q.Blanks),
		TestCases:     slices.Clone(q.TestCases),
		Language:      q.Language,
		Runtime:       q.Runtime,
		EntryFunction: q.EntryFunction,
		StarterCode:   q.StarterCode,
		TimeoutMs:     q.TimeoutMs,
		Status:        model.QuestionStatusUnseen,
	}
}

func shuffleSource(userID, testID uuid.UUID, now time.Time) (string, *mrand.Rand) {
	var salt [16]byte
	_, _ = rand.Read(salt[:])
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%x", userID, testID, now.UnixNano(), salt))
	rng := mrand.New(mrand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))
	return hex.EncodeToString(sum[:]), rng
}
