package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/broker"
)

type debugEventMessage struct {
	SessionID string            `json:"session_id"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type debugAckMessage struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleDebugWS streams a session's debug broker (history then live
// events) and echoes back any control message the client sends as an
// ack, the same request/response pattern the teacher's node-event
// websocket uses for client-originated commands.
func (s *Server) handleDebugWS(w http.ResponseWriter, r *http.Request) {
	tok, err := s.authN.AuthenticateRaw(bearerFromWSRequest(r))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := auth.RequireScopes(tok, auth.ScopeSessionsWrite); err != nil {
		http.Error(w, "forbidden", 403)
		return
	}

	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(sessionID); err != nil {
		http.NotFound(w, r)
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("debug websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.brokers.Debug.SubscribeWithHistory(sessionID)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go s.pumpDebugControlMessages(conn, done)

	for _, event := range sub.History {
		if err := conn.WriteJSON(debugEventMessageFrom(sessionID, event)); err != nil {
			return
		}
	}

	for {
		select {
		case event, ok := <-sub.Queue:
			if !ok {
				s.closeDebugWS(conn)
				return
			}
			if err := conn.WriteJSON(debugEventMessageFrom(sessionID, event)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// pumpDebugControlMessages reads client-sent control frames and echoes
// each one back as an ack. Closes done when the connection drops.
func (s *Server) pumpDebugControlMessages(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		ack := debugAckMessage{Kind: "ack", Payload: raw}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}

func (s *Server) closeDebugWS(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(5*time.Second))
}

func debugEventMessageFrom(sessionID string, e broker.DebugEvent) debugEventMessage {
	return debugEventMessage{
		SessionID: sessionID,
		Kind:      e.Kind,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}
