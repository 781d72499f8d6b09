package terminal

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Control frame types.
const (
	// Client to server.
	ControlClose  = "close"
	ControlResize = "resize"
	ControlPing   = "ping"

	// Server to client.
	ControlAttached = "attached"
	ControlError    = "error"
	ControlClosed   = "closed"
	ControlPong     = "pong"
)

// Close reasons reported in the closed frame.
const (
	ReasonClientClose = "client closed"
	ReasonDisconnect  = "client disconnected"
	ReasonExited      = "process exited"
	ReasonIdle        = "idle timeout"
	ReasonShutdown    = "server shutdown"
	ReasonFailed      = "failed"
)

// Control is a JSON control frame, sent as a text message. Binary messages
// carry raw terminal bytes in both directions.
type Control struct {
	Type      string `json:"type"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Transport string `json:"transport,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Conn is the client side of a session. *websocket.Conn implements it.
// Serve reads from a single goroutine and serializes writes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ParseControl decodes a text frame.
func ParseControl(data []byte) (*Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid control frame: %w", err)
	}
	if c.Type == "" {
		return nil, fmt.Errorf("control frame has no type")
	}
	return &c, nil
}

// Message types re-exported so callers need not import the websocket
// package to drive a Conn.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
	CloseMessage  = websocket.CloseMessage
)
