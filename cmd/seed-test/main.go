package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

type seedQuestion struct {
	qtype  model.QuestionType
	prompt string
	points float64
	def    model.QuestionDefinition
}

type seedSection struct {
	title     string
	limit     int
	questions []seedQuestion
}

func main() {
	var (
		students int
		orgFlag  string
	)
	flag.IntVar(&students, "students", 5, "Number of student tokens to issue")
	flag.StringVar(&orgFlag, "org", "", "Organization id (random when empty)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	orgID := uuid.New()
	if orgFlag != "" {
		parsed, err := uuid.Parse(orgFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid organization id")
		}
		orgID = parsed
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	fmt.Println("=== Seeding demo test ===")

	testID := uuid.New()
	sections := demoSections()
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tests (id, organization_id, title, status, passing_score, max_attempts, shuffle_questions)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			testID, orgID, "Ujian Demo Logika Dasar", model.TestStatusPublished, 60.0, 3, false)
		if err != nil {
			return fmt.Errorf("insert test: %w", err)
		}

		order := 0
		for i, sec := range sections {
			sectionID := uuid.New()
			if _, err := tx.Exec(ctx, `
				INSERT INTO test_sections (id, test_id, title, order_num, time_limit_seconds)
				VALUES ($1, $2, $3, $4, $5)`,
				sectionID, testID, sec.title, i, sec.limit); err != nil {
				return fmt.Errorf("insert section %d: %w", i, err)
			}
			for _, q := range sec.questions {
				def, err := json.Marshal(q.def)
				if err != nil {
					return fmt.Errorf("marshal definition: %w", err)
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO questions (id, test_id, section_id, type, prompt, points, order_num, definition)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					uuid.New(), testID, sectionID, q.qtype, q.prompt, q.points, order, def); err != nil {
					return fmt.Errorf("insert question %d: %w", order, err)
				}
				order++
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed test")
	}
	fmt.Printf("Created test %s in organization %s\n\n", testID, orgID)

	auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	for i := 0; i < students; i++ {
		token, err := auth.GenerateToken(service.Actor{
			UserID:         uuid.New(),
			OrganizationID: orgID,
			Role:           service.RoleStudent,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Printf("student %d: %s\n", i+1, token)
	}
}

func demoSections() []seedSection {
	options := func(texts ...string) []model.Option {
		out := make([]model.Option, len(texts))
		for i, t := range texts {
			out[i] = model.Option{ID: string(rune('a' + i)), Text: t}
		}
		return out
	}

	return []seedSection{
		{
			title: "Logika Proposisi",
			limit: 600,
			questions: []seedQuestion{
				{
					qtype:  model.QuestionTypeMultipleChoice,
					prompt: "Negasi dari \"semua siswa hadir\" adalah ...",
					points: 2,
					def: model.QuestionDefinition{
						Options:       options("Semua siswa tidak hadir", "Ada siswa yang tidak hadir", "Tidak ada siswa hadir"),
						CorrectAnswer: json.RawMessage(`"b"`),
					},
				},
				{
					qtype:  model.QuestionTypeTrueFalse,
					prompt: "p ∧ ¬p selalu bernilai salah.",
					points: 1,
					def:    model.QuestionDefinition{CorrectAnswer: json.RawMessage(`true`)},
				},
			},
		},
		{
			title: "Algoritma",
			limit: 900,
			questions: []seedQuestion{
				{
					qtype:  model.QuestionTypeFillBlank,
					prompt: "Kompleksitas binary search adalah O(___).",
					points: 2,
					def: model.QuestionDefinition{
						Blanks: []model.Blank{{ID: "1", AcceptedAnswers: []string{"log n", "logn"}}},
					},
				},
				{
					qtype:  model.QuestionTypeMultipleChoice,
					prompt: "Struktur data yang bekerja dengan prinsip LIFO adalah ...",
					points: 1,
					def: model.QuestionDefinition{
						Options:       options("Queue", "Stack", "Heap"),
						CorrectAnswer: json.RawMessage(`"b"`),
					},
				},
			},
		},
	}
}
