// Package ingress is a reference client-facing WebSocket adapter: it
// terminates the browser/mobile-client connection, reads framed PCM audio,
// and drives the orchestrator (CreateSession/ForwardChunk/FinalizeTranscript
// /EndSession). It exists only to give the orchestrator a runnable front
// door and is treated as a thin, external collaborator.
package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/torteous44/sttrelay/internal/session"
	"github.com/torteous44/sttrelay/internal/sttservice"
)

// clientFrame is the wire shape of a control message a client may send
// interleaved with raw binary audio frames.
type clientFrame struct {
	Type string `json:"type"`
}

// Handler upgrades incoming HTTP connections to WebSocket and pipes audio
// into the orchestrator for the lifetime of the connection.
type Handler struct {
	svc                 *sttservice.Service
	defaultSamplingRate int
	upgrader            websocket.Upgrader
	log                 zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
}

// NewHandler builds an ingress Handler bound to svc. defaultSamplingRate is
// used for connections that don't supply a sample_rate query parameter.
func NewHandler(svc *sttservice.Service, defaultSamplingRate int, log zerolog.Logger) *Handler {
	return &Handler{
		svc:                 svc,
		defaultSamplingRate: defaultSamplingRate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:      log,
		sessions: make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the connection, creates a session scoped to its
// lifetime, and streams binary frames into the orchestrator until the
// client disconnects or sends a "close" control frame. A "finalize" control
// frame replies with the current transcript and keeps the session open for
// the next turn.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	connectionID := r.RemoteAddr

	samplingRate := h.defaultSamplingRate
	if q := r.URL.Query().Get("sample_rate"); q != "" {
		if n, err := parsePositiveInt(q); err == nil {
			samplingRate = n
		}
	}

	var gate *activityGate
	if r.URL.Query().Get("vad") == "1" {
		gate = newActivityGate()
	}

	_, err = h.svc.CreateSession(r.Context(), sessionID, connectionID, session.Config{
		SamplingRate: samplingRate,
		Language:     r.URL.Query().Get("language"),
	})
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to create session")
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return
	}

	h.mu.Lock()
	h.sessions[sessionID] = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
		h.svc.EndSession(sessionID)
	}()

	_ = conn.WriteJSON(map[string]string{"type": "ready", "sessionId": sessionID})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if gate != nil && !gate.hasVoice(data) {
				continue
			}
			h.svc.ForwardChunk(sessionID, data)
		case websocket.TextMessage:
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case "finalize":
				text := h.svc.FinalizeTranscript(sessionID)
				_ = conn.WriteJSON(map[string]string{"type": "transcript", "text": text})
			case "close":
				return
			}
		}
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a positive integer: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
