package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// chatRequest is the body of POST /api/chat and of WebSocket chat frames.
type chatRequest struct {
	Message string `json:"message"`
}

// handleChatSSE runs one session and streams its events as server-sent
// events. Closing the connection cancels the session cooperatively.
func (s *Server) handleChatSSE(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess := s.startSession(r.Context(), req.Message)
	defer sess.Cancel()

	for {
		select {
		case <-r.Context().Done():
			sess.Cancel()
			// Drain so the session goroutine can finish.
			for range sess.Events() {
			}
			return
		case ev, open := <-sess.Events():
			if !open {
				return
			}
			s.observeEvent(ev)
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
