package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	var userFlag, orgFlag, role string
	flag.StringVar(&userFlag, "user", "", "User id (random when empty)")
	flag.StringVar(&orgFlag, "org", "", "Organization id (random when empty)")
	flag.StringVar(&role, "role", service.RoleStudent, "Role claim: student or admin")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if role != service.RoleStudent && role != service.RoleAdmin {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(2)
	}

	actor := service.Actor{
		UserID:         parseOrNew(userFlag),
		OrganizationID: parseOrNew(orgFlag),
		Role:           role,
	}
	token, err := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry).GenerateToken(actor)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	log.Info().
		Str("user_id", actor.UserID.String()).
		Str("organization_id", actor.OrganizationID.String()).
		Str("role", actor.Role).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued")
	fmt.Println(token)
}

func parseOrNew(s string) uuid.UUID {
	if s == "" {
		return uuid.New()
	}
	id, err := uuid.Parse(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid uuid %q: %v\n", s, err)
		os.Exit(2)
	}
	return id
}
