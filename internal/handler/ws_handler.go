package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"golang.org/x/time/rate"
)

const (
	pingInterval      = 30 * time.Second
	keepAliveInterval = 25 * time.Second
)

// SessionEvents opens a subscription to a session's push channel.
type SessionEvents interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID) *redis.PubSub
}

// ConnectionTracker counts open sockets per session across processes.
type ConnectionTracker interface {
	Open(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Close(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Refresh(ctx context.Context, sessionID uuid.UUID) error
	Count(ctx context.Context, sessionID uuid.UUID) (int64, error)
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSOptions configures the stream handler.
type WSOptions struct {
	AllowedOrigins []string
	// MessagesPerSecond and Burst bound inbound actions per connection.
	MessagesPerSecond float64
	Burst             int
}

// WSHandler streams session events to students and accepts answers over the same socket.
type WSHandler struct {
	engine   SessionEngine
	events   SessionEvents
	tracker  ConnectionTracker
	log      zerolog.Logger
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int

	// conns is this process's own count, used only when the shared counter is unreachable.
	mu    sync.Mutex
	conns map[uuid.UUID]int
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(engine SessionEngine, events SessionEvents, tracker ConnectionTracker, opts WSOptions, log zerolog.Logger) *WSHandler {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &WSHandler{
		engine:   engine,
		events:   events,
		tracker:  tracker,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(opts.AllowedOrigins),
		limit:    rate.Limit(opts.MessagesPerSecond),
		burst:    opts.Burst,
		conns:    make(map[uuid.UUID]int),
	}
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:id/stream
// Opening the socket marks the session connected; closing the last socket starts the grace period.
func (h *WSHandler) SessionStream(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Ownership and state are checked before upgrading so failures get a proper HTTP status.
	if err := h.engine.HandleConnect(c.Request.Context(), sessionID, actor); err != nil {
		failFromService(c, h.log, err)
		return
	}
	h.attach(sessionID)
	defer h.detach(sessionID)

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Str("user_id", actor.UserID.String()).
		Str("session_id", sessionID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.events.Subscribe(ctx, sessionID)
	defer pubsub.Close()
	go h.forward(ctx, conn, sessionID, pubsub.Channel(), wsLog)

	h.handleSync(ctx, conn, sessionID, actor, "")

	limiter := rate.NewLimiter(h.limit, h.burst)
	for {
		var req ws.Request
		err := conn.ReadRequest(&req)
		if errors.Is(err, ws.ErrBadMessage) {
			_ = conn.WriteError("", string(response.ErrInvalidPayload), err.Error())
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if !limiter.Allow() {
			_ = conn.WriteError(req.RequestID, string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded))
			continue
		}

		switch req.Action {
		case ws.ActionPing:
			_ = conn.WriteTyped(ws.Reply{Event: ws.EventPong, RequestID: req.RequestID})
		case ws.ActionSync:
			h.handleSync(ctx, conn, sessionID, actor, req.RequestID)
		case ws.ActionAnswer:
			res, err := h.engine.SubmitAnswer(ctx, sessionID, actor, service.AnswerInput{
				QuestionIndex: req.QuestionIndex,
				Answer:        req.Answer,
			})
			h.reply(conn, wsLog, req.RequestID, res, err)
		case ws.ActionSkip:
			res, err := h.engine.SkipQuestion(ctx, sessionID, actor, req.QuestionIndex)
			h.reply(conn, wsLog, req.RequestID, res, err)
		default:
			wsLog.Warn().Str("action", string(req.Action)).Msg("Unknown action")
			_ = conn.WriteError(req.RequestID, string(response.ErrInvalidPayload), "unknown action: "+string(req.Action))
		}
	}
}

// forward relays broadcast events and keeps the socket and its connection count alive.
func (h *WSHandler) forward(ctx context.Context, conn *ws.Conn, sessionID uuid.UUID, ch <-chan *redis.Message, log zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteRaw([]byte(msg.Payload)); err != nil {
				log.Debug().Err(err).Msg("Forward failed")
				return
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
			if err := h.tracker.Refresh(ctx, sessionID); err != nil {
				log.Warn().Err(err).Msg("Failed to refresh connection count")
			}
		}
	}
}

func (h *WSHandler) handleSync(ctx context.Context, conn *ws.Conn, sessionID uuid.UUID, actor service.Actor, requestID string) {
	view, err := h.engine.Sync(ctx, sessionID, actor)
	if err != nil {
		h.writeEngineError(conn, requestID, err)
		return
	}
	_ = conn.WriteTyped(ws.Reply{Event: ws.EventSync, RequestID: requestID, Data: view})
}

func (h *WSHandler) reply(conn *ws.Conn, log zerolog.Logger, requestID string, res *service.TransitionResult, err error) {
	if err != nil {
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			log.Error().Err(err).Msg("Socket action failed")
		}
		h.writeEngineError(conn, requestID, err)
		return
	}
	_ = conn.WriteTyped(ws.Reply{Event: ws.EventResult, RequestID: requestID, Data: res})
}

func (h *WSHandler) writeEngineError(conn *ws.Conn, requestID string, err error) {
	_, code := classify(err)
	msg := response.GetMessage(code)
	if code == response.ErrInvalidSessionState || code == response.ErrValidation {
		msg = err.Error()
	}
	_ = conn.WriteError(requestID, string(code), msg)
}

// attach and detach count sockets in Redis so that a socket closing on one process
// does not report a disconnect while the student is connected through another.
func (h *WSHandler) attach(sessionID uuid.UUID) {
	h.mu.Lock()
	h.conns[sessionID]++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.tracker.Open(ctx, sessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to count connection")
	}
}

func (h *WSHandler) detach(sessionID uuid.UUID) {
	h.mu.Lock()
	h.conns[sessionID]--
	last := h.conns[sessionID] <= 0
	if last {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if remaining, err := h.tracker.Close(ctx, sessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Shared connection count unavailable, using local count")
	} else {
		last = remaining == 0
	}
	if !last {
		return
	}
	if err := h.engine.HandleDisconnect(ctx, sessionID); err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to record disconnect")
	}
}

// Connections returns the number of open sockets for a session across processes.
func (h *WSHandler) Connections(ctx context.Context, sessionID uuid.UUID) int {
	n, err := h.tracker.Count(ctx, sessionID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to read connection count")
		return 0
	}
	return int(n)
}

// SessionEventsSSE godoc
// GET /api/v1/student/sessions/:id/events
// Read-only Server-Sent Events fallback for clients that cannot hold a WebSocket.
// It does not affect connection state.
func (h *WSHandler) SessionEventsSSE(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()
	view, err := h.engine.Sync(reqCtx, sessionID, actor)
	if err != nil {
		failFromService(c, h.log, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	first, _ := json.Marshal(ws.Reply{Event: ws.EventSync, Data: view})
	writeSSE(c, first)

	pubsub := h.events.Subscribe(reqCtx, sessionID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	pingPayload, _ := json.Marshal(ws.Reply{Event: ws.EventPong})

	for {
		select {
		case <-reqCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(c, []byte(msg.Payload))
		case <-keepAlive.C:
			writeSSE(c, pingPayload)
		}
	}
}

func writeSSE(c *gin.Context, payload []byte) {
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
