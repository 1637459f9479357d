package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing   Action = "ping"
	ActionSync   Action = "sync"
	ActionAnswer Action = "answer"
	ActionSkip   Action = "skip"
)

// Request is every client message. Fields beyond Action depend on the action;
// RequestID is echoed back so clients can match replies.
type Request struct {
	Action        Action          `json:"action"`
	RequestID     string          `json:"request_id,omitempty"`
	QuestionIndex *int            `json:"question_index,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventPong   Event = "pong"
	EventSync   Event = "sync"
	EventResult Event = "transition"
)

// Reply answers a client request.
type Reply struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// ErrorResponse reports a rejected request.
type ErrorResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}
