package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsClientFrame is what clients send: a chat message or a cancel request
// for the running session.
type wsClientFrame struct {
	Type    string `json:"type"` // "chat" or "cancel"
	Message string `json:"message,omitempty"`
}

// handleChatWS speaks the same event stream as the SSE endpoint over a
// WebSocket. One session runs at a time per connection; a "cancel" frame or
// a dropped connection cancels it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	// A single goroutine owns reads; the main loop owns writes. The done
	// channel unblocks a reader stuck on a handoff after the handler
	// returns through a write error.
	frames := make(chan wsClientFrame)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(frames)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame wsClientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				frame = wsClientFrame{Type: "malformed"}
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}()

	var sess *session.Session
	var events <-chan models.StreamEvent

	cleanup := func() {
		if sess != nil {
			sess.Cancel()
			for range events {
			}
			sess = nil
			events = nil
		}
	}
	defer cleanup()

	for {
		select {
		case frame, open := <-frames:
			if !open {
				return
			}
			switch frame.Type {
			case "chat":
				if sess != nil {
					s.writeWSError(conn, "a session is already running")
					continue
				}
				if frame.Message == "" {
					s.writeWSError(conn, "message is required")
					continue
				}
				sess = s.startSession(r.Context(), frame.Message)
				events = sess.Events()
			case "cancel":
				if sess != nil {
					sess.Cancel()
				}
			case "malformed":
				s.writeWSError(conn, "invalid frame")
			default:
				s.writeWSError(conn, "unknown frame type "+frame.Type)
			}

		case ev, open := <-events:
			if !open {
				sess = nil
				events = nil
				continue
			}
			s.observeEvent(ev)
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeWSError(conn *websocket.Conn, msg string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "error": msg})
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
