package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// ReadWait is how long a connection may stay silent, pongs included.
	ReadWait = 2 * time.Minute
)

// Conn serializes writes to a gorilla connection, which allows only one concurrent writer.
type Conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// Wrap prepares a connection: read deadline extended by every pong.
func Wrap(c *websocket.Conn) *Conn {
	_ = c.SetReadDeadline(time.Now().Add(ReadWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(ReadWait))
	})
	return &Conn{Conn: c}
}

// WriteTyped sends a strongly-typed payload.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// WriteRaw forwards an already encoded JSON message.
func (c *Conn) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a control ping.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WriteError sends a typed ErrorResponse.
func (c *Conn) WriteError(requestID, code, msg string) error {
	return c.WriteTyped(ErrorResponse{
		Event:     EventError,
		RequestID: requestID,
		Code:      code,
		Error:     msg,
	})
}

// ErrBadMessage wraps a frame that arrived intact but did not decode. The connection stays usable.
var ErrBadMessage = errors.New("malformed message")

// ReadRequest reads and decodes the next client message, extending the read deadline.
func (c *Conn) ReadRequest(v *Request) error {
	_, data, err := c.Conn.ReadMessage()
	if err != nil {
		return err
	}
	_ = c.SetReadDeadline(time.Now().Add(ReadWait))
	*v = Request{}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return nil
}
