package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/tracing"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// Observability carries the collectors exposed on /metrics. A nil value disables the endpoint.
type Observability struct {
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	obs *Observability,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(logger.GinLogger(log, response.ContextKeyRequestID))
	router.Use(tracing.GinMiddleware())
	if obs != nil && obs.Metrics != nil {
		router.Use(obs.Metrics.Middleware())
	}
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)
	if obs != nil && obs.Gatherer != nil {
		router.GET("/metrics", metrics.Handler(obs.Gatherer))
	}

	// 60 requests per minute per student covers one action a second.
	studentLimiter := middleware.NewRateLimiter(60, time.Minute)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireJWT(authService),
		middleware.RequireRole(service.RoleStudent),
		studentLimiter.Middleware(),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/sessions/active", handlers.Session.CheckActive)
		studentAPI.POST("/tests/:test_id/sessions", handlers.Session.Start)

		sessions := studentAPI.Group("/sessions/:id")
		sessions.POST("/rejoin", handlers.Session.Rejoin)
		sessions.GET("/question", handlers.Session.CurrentQuestion)
		sessions.POST("/answer", handlers.Session.Answer)
		sessions.POST("/skip", handlers.Session.Skip)
		sessions.POST("/submit-section", handlers.Session.SubmitSection)
		sessions.POST("/review/start", handlers.Session.StartReview)
		sessions.POST("/review/navigate", handlers.Session.Navigate)
		sessions.POST("/submit", handlers.Session.Submit)
		sessions.POST("/abandon", handlers.Session.Abandon)
		sessions.GET("/sync", handlers.Session.Sync)
		sessions.GET("/result", handlers.Session.Result)
		sessions.GET("/events", handlers.WS.SessionEventsSSE)
	}

	// ─── 2. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireJWT(authService), middleware.RequireRole(service.RoleStudent))
	{
		ws.GET("/student/sessions/:id/stream", handlers.WS.SessionStream)
	}

	return router
}
