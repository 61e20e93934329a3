package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/repository/memory"
	"github.com/stemsi/exstem-session/internal/router"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/timeauth"
	"github.com/stemsi/exstem-session/internal/validator"
	"github.com/stemsi/exstem-session/internal/worker"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

// stores is the set of persistence backends the services run on.
type stores struct {
	tests       service.TestStore
	sessions    service.SessionStore
	submissions service.SubmissionStore
	points      service.PointsLedger
	close       func()
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) stores {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		db := memory.New()
		if cfg.SeedTestsFile != "" {
			if err := db.LoadSeed(cfg.SeedTestsFile); err != nil {
				log.Fatal().Err(err).Str("file", cfg.SeedTestsFile).Msg("Failed to load seed file")
			}
			log.Info().Str("file", cfg.SeedTestsFile).Msg("Seed loaded")
		}
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		return stores{
			tests:       db.Tests(),
			sessions:    db.Sessions(),
			submissions: db.Submissions(),
			points:      db.Points(),
			close:       func() {},
		}

	case config.StoreDriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		return postgresStores(pool, cfg)

	default:
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("Unknown STORE_DRIVER")
		return stores{}
	}
}

func postgresStores(pool *pgxpool.Pool, cfg *config.Config) stores {
	retry := repository.RetryPolicy{Attempts: cfg.PersistRetryAttempts, Backoff: cfg.PersistRetryBackoff}
	return stores{
		tests:       repository.NewTestRepository(pool, retry),
		sessions:    repository.NewSessionRepository(pool, retry),
		submissions: repository.NewSubmissionRepository(pool, retry),
		points:      repository.NewPointsRepository(pool, retry),
		close:       pool.Close,
	}
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Session")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Storage ───────────────────────────────────────────────────────
	st := openStores(ctx, cfg, log)
	defer st.close()

	// ─── Connect to Redis (optional) ───────────────────────────────────
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		var err error
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	} else {
		log.Warn().Msg("REDIS_URL not set; running single-process without cache or grading queue")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())

	// ─── Connection hub ────────────────────────────────────────────────
	hub := ws.NewHub(log)
	go hub.Run(workerCtx)

	// ─── Initialize Services ──────────────────────────────────────────
	clock := timeauth.New(cfg.SubmitTolerance, nil)
	locks := service.NewSessionLocks()
	catalog := service.NewCatalogService(st.tests, rdb, cfg.TestCacheTTL, log)

	var (
		events service.EventPublisher
		queue  service.GradingQueue
	)
	queue = gradingQueue(rdb, cfg.GeminiAPIKey)
	if rdb != nil {
		events = service.NewRedisEventPublisher(rdb)
	} else {
		events = service.EventPublisherFunc(func(_ context.Context, ev service.SessionClosed) error {
			hub.CloseSession(ev.SessionID, ws.SessionClosedEvent{Reason: ev.Reason, SubmissionID: ev.SubmissionID}, ev.Origin)
			return nil
		})
	}

	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	sessionService := service.NewSessionService(st.sessions, catalog, st.points, clock, locks, log)
	submissionService := service.NewSubmissionService(st.sessions, st.submissions, catalog, queue, events, clock, locks, log)
	attachmentService := service.NewAttachmentService(cfg.UploadDir, cfg.MaxUploadBytes, cfg.PublicBaseURL)

	// ─── Start Background Workers ─────────────────────────────────────
	if rdb != nil {
		relay := worker.NewSessionEventRelay(rdb, hub, log)
		go relay.Start(workerCtx)

		if cfg.GeminiAPIKey != "" {
			grader, err := service.NewGeminiGrader(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create Gemini client")
			}
			defer grader.Close()

			gradingService := service.NewGradingService(st.submissions, catalog, grader, log)
			go worker.NewGradingWorker(rdb, gradingService, log).Start(workerCtx)
		} else {
			log.Warn().Msg("GEMINI_API_KEY not set; free-text answers stay pending")
		}
	}

	syncLimiter := middleware.NewRateLimiter(cfg.SyncRatePerMinute, time.Minute)
	go syncLimiter.Run(workerCtx)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session:    handler.NewSessionHandler(sessionService, submissionService, log),
		Attachment: handler.NewAttachmentHandler(attachmentService),
		WS:         handler.NewWSHandler(hub, sessionService, submissionService, cfg.WarningThresholds, log, cfg.AllowedOrigins),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, syncLimiter, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked stream
	// connections are not tracked by Shutdown; the hub closes them below.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the hub and background workers.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow in-flight grading and close frames to finish.

	log.Info().Msg("Shutdown complete")
}

// gradingQueue returns the Redis queue only when a grading worker will
// consume it. Otherwise jobs would pile up with nothing draining them.
func gradingQueue(rdb *redis.Client, geminiAPIKey string) service.GradingQueue {
	if rdb == nil || geminiAPIKey == "" {
		return nil
	}
	return service.NewRedisGradingQueue(rdb)
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
