package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session    *handler.SessionHandler
	Attachment *handler.AttachmentHandler
	WS         *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// syncLimiter may be nil to disable rate limiting of answer syncs.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	syncLimiter *middleware.RateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestContext(log))

	brotliConfig := middleware.DefaultBrotliConfig
	brotliConfig.SkipPrefixes = []string{"/uploads", "/ws/"}
	router.Use(middleware.BrotliWithConfig(brotliConfig))

	// Attachment names are random, so a year of caching is safe.
	uploadsGroup := router.Group("/uploads")
	uploadsGroup.Use(middleware.CacheControl(31536000, true))
	{
		uploadsGroup.Static("/", cfg.UploadDir)
	}

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	syncMW := func(c *gin.Context) { c.Next() }
	if syncLimiter != nil {
		syncMW = syncLimiter.Middleware()
	}

	// ─── Learner API ───────────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireLearnerJWT(authService))
	{
		tests := api.Group("/tests/:test_id")
		{
			tests.GET("", handlers.Session.GetTest)
			tests.POST("/start", handlers.Session.StartTest)
			tests.GET("/submissions/latest", middleware.NoStore(), handlers.Session.LatestSubmission)
		}

		sessions := api.Group("/sessions/:session_id")
		sessions.Use(middleware.NoStore())
		{
			sessions.GET("", handlers.Session.GetSession)
			sessions.PUT("/answers", syncMW, handlers.Session.SyncAnswers)
			sessions.PATCH("/answers/:question_id", syncMW, handlers.Session.UpsertAnswer)
			sessions.POST("/submit", handlers.Session.Submit)
		}

		api.POST("/attachments", handlers.Attachment.Upload)
	}

	// ─── Session stream ────────────────────────────────────────────────
	// Browsers cannot set headers on upgrade, so the token rides in ?token=.
	wsGroup := router.Group("/ws/v1")
	wsGroup.Use(middleware.RequireLearnerJWT(authService))
	{
		wsGroup.GET("/sessions/stream", handlers.WS.SessionStream)
	}

	return router
}
