package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/cache"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/notify"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

type wsFixture struct {
	engine    *stubEngine
	handler   *WSHandler
	bus       *notify.RedisBroadcaster
	server    *httptest.Server
	redis     *miniredis.Miniredis
	rdb       *redis.Client
	sessionID uuid.UUID
}

func newWSFixture(t *testing.T, opts WSOptions) *wsFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &wsFixture{
		engine:    &stubEngine{},
		bus:       notify.NewRedisBroadcaster(rdb, zerolog.Nop()),
		redis:     mr,
		rdb:       rdb,
		sessionID: uuid.New(),
	}
	f.handler, f.server = f.process(t, opts)
	return f
}

// process starts another server sharing the fixture's engine and Redis, as a second
// replica behind a load balancer would.
func (f *wsFixture) process(t *testing.T, opts WSOptions) (*WSHandler, *httptest.Server) {
	t.Helper()
	h := NewWSHandler(f.engine, f.bus, cache.NewConnectionCounter(f.rdb, time.Minute), opts, zerolog.Nop())

	r := gin.New()
	r.GET("/ws/v1/student/sessions/:id/stream", middleware.RequireJWT(testAuth), h.SessionStream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, srv
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	return f.dialServer(t, f.server)
}

func (f *wsFixture) dialServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/v1/student/sessions/" + f.sessionID.String() + "/stream?token=" + studentToken(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSHandler_Lifecycle(t *testing.T) {
	f := newWSFixture(t, WSOptions{})
	conn := f.dial(t)

	if got := readEvent(t, conn); got["event"] != string(ws.EventSync) {
		t.Fatalf("first message = %v, want sync", got)
	}
	if !f.engine.called("connect") {
		t.Fatal("connect not reported")
	}

	if err := conn.WriteJSON(ws.Request{Action: ws.ActionAnswer, RequestID: "r1", Answer: json.RawMessage(`"B"`)}); err != nil {
		t.Fatal(err)
	}
	got := readEvent(t, conn)
	if got["event"] != string(ws.EventResult) || got["request_id"] != "r1" {
		t.Errorf("answer reply = %v", got)
	}

	channel := config.CacheKey.SessionEventsChannel(f.sessionID)
	waitFor(t, func() bool { return f.redis.PubSubNumSub(channel)[channel] == 1 })
	f.bus.Broadcast(context.Background(), f.sessionID, notify.EventTimerWarning, map[string]int{"time_remaining": 60})
	if got := readEvent(t, conn); got["event"] != string(notify.EventTimerWarning) {
		t.Errorf("forwarded = %v", got)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return f.engine.called("disconnect") })
}

func TestWSHandler_ErrorsAndPing(t *testing.T) {
	f := newWSFixture(t, WSOptions{})
	conn := f.dial(t)
	defer conn.Close()
	readEvent(t, conn)

	tests := []struct {
		name  string
		frame string
		event ws.Event
		code  string
	}{
		{"ping", `{"action":"ping","request_id":"p"}`, ws.EventPong, ""},
		{"unknown action", `{"action":"teleport"}`, ws.EventError, "INVALID_PAYLOAD"},
		{"malformed frame", `{"action":`, ws.EventError, "INVALID_PAYLOAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatal(err)
			}
			got := readEvent(t, conn)
			if got["event"] != string(tt.event) {
				t.Errorf("event = %v, want %s", got["event"], tt.event)
			}
			if tt.code != "" && got["code"] != tt.code {
				t.Errorf("code = %v, want %s", got["code"], tt.code)
			}
		})
	}

	f.engine.mu.Lock()
	f.engine.err = service.ErrExpired
	f.engine.mu.Unlock()
	if err := conn.WriteJSON(ws.Request{Action: ws.ActionSkip}); err != nil {
		t.Fatal(err)
	}
	if got := readEvent(t, conn); got["code"] != "SESSION_EXPIRED" {
		t.Errorf("engine error = %v", got)
	}
}

func TestWSHandler_RateLimited(t *testing.T) {
	f := newWSFixture(t, WSOptions{MessagesPerSecond: 0.001, Burst: 1})
	conn := f.dial(t)
	defer conn.Close()
	readEvent(t, conn)

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(ws.Request{Action: ws.ActionPing}); err != nil {
			t.Fatal(err)
		}
	}
	if got := readEvent(t, conn); got["event"] != string(ws.EventPong) {
		t.Errorf("first = %v", got)
	}
	if got := readEvent(t, conn); got["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("second = %v", got)
	}
}

func TestWSHandler_OnlyLastSocketDisconnects(t *testing.T) {
	f := newWSFixture(t, WSOptions{})
	a := f.dial(t)
	readEvent(t, a)
	b := f.dial(t)
	readEvent(t, b)
	waitFor(t, func() bool { return f.handler.Connections(context.Background(), f.sessionID) == 2 })

	_ = a.Close()
	waitFor(t, func() bool { return f.handler.Connections(context.Background(), f.sessionID) == 1 })
	if f.engine.called("disconnect") {
		t.Fatal("disconnect reported while another socket is open")
	}

	_ = b.Close()
	waitFor(t, func() bool { return f.engine.called("disconnect") })
}

func TestWSHandler_ReconnectOnAnotherProcessKeepsSessionConnected(t *testing.T) {
	f := newWSFixture(t, WSOptions{})
	other, otherServer := f.process(t, WSOptions{})

	stale := f.dial(t)
	readEvent(t, stale)
	fresh := f.dialServer(t, otherServer)
	readEvent(t, fresh)
	waitFor(t, func() bool { return other.Connections(context.Background(), f.sessionID) == 2 })

	_ = stale.Close()
	waitFor(t, func() bool { return f.handler.Connections(context.Background(), f.sessionID) == 1 })
	if f.engine.called("disconnect") {
		t.Fatal("old socket closing on one process must not disconnect a student connected through another")
	}

	_ = fresh.Close()
	waitFor(t, func() bool { return f.engine.called("disconnect") })
	if f.engine.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", f.engine.disconnects)
	}
}

func TestWSHandler_RejectsBeforeUpgrade(t *testing.T) {
	f := newWSFixture(t, WSOptions{})
	f.engine.err = service.ErrForbidden

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") +
		"/ws/v1/student/sessions/" + f.sessionID.String() + "/stream?token=" + studentToken(t)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Errorf("response = %v", resp)
	}
	if f.engine.disconnects != 0 {
		t.Error("a rejected connect must not report a disconnect")
	}
}
