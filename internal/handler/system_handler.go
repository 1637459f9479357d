package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler reports liveness plus the state of the engine's dependencies.
type SystemHandler struct {
	db          Pinger
	rdb         *redis.Client
	timerCount  func() int
	startTime   time.Time
	log         zerolog.Logger
	pingTimeout time.Duration
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(db Pinger, rdb *redis.Client, timerCount func() int, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:          db,
		rdb:         rdb,
		timerCount:  timerCount,
		startTime:   time.Now(),
		log:         log.With().Str("component", "system_handler").Logger(),
		pingTimeout: 2 * time.Second,
	}
}

type healthReport struct {
	Status       string           `json:"status"`
	Uptime       string           `json:"uptime"`
	Database     string           `json:"database"`
	Redis        string           `json:"redis"`
	ActiveTimers int              `json:"active_timers"`
	Goroutines   int              `json:"goroutines"`
	Queues       map[string]int64 `json:"queues,omitempty"`
}

// Health godoc
// GET /health
// 200 when Postgres and Redis answer, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.pingTimeout)
	defer cancel()

	report := healthReport{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Database:   "ok",
		Redis:      "ok",
		Goroutines: runtime.NumGoroutine(),
	}
	if h.timerCount != nil {
		report.ActiveTimers = h.timerCount()
	}

	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Database health check failed")
		report.Database, report.Status = "unreachable", "degraded"
	}

	pipe := h.rdb.Pipeline()
	activity := pipe.LLen(ctx, config.WorkerKey.SessionActivityQueue)
	retries := pipe.LLen(ctx, config.WorkerKey.FinalizeRetryQueue)
	delayed := pipe.ZCard(ctx, config.WorkerKey.FinalizeRetryDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		report.Redis, report.Status = "unreachable", "degraded"
	} else {
		report.Queues = map[string]int64{
			config.WorkerKey.SessionActivityQueue: activity.Val(),
			config.WorkerKey.FinalizeRetryQueue:   retries.Val(),
			config.WorkerKey.FinalizeRetryDelayed: delayed.Val(),
		}
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, report)
}
