// Command issue-token prints a learner JWT for local testing and can top up
// the learner's points balance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/service"
)

func main() {
	userID := flag.Int("user", 0, "learner user id (required)")
	points := flag.Int("points", 0, "credit this many points to the learner (postgres only)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -user must be a positive id")
		flag.Usage()
		os.Exit(2)
	}

	if *points > 0 {
		ctx := context.Background()
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		ledger := repository.NewPointsRepository(pool, repository.DefaultRetry)
		err = ledger.Credit(ctx, *userID, *points, "manual top-up")
		pool.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to credit points")
		}
		log.Info().Int("user_id", *userID).Int("points", *points).Msg("Points credited")
	}

	token, err := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry).IssueToken(*userID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}
	fmt.Println(token)
}
