package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/broker"
)

type logEventMessage struct {
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// handleLogsWS streams a session's log broker: history first, then live
// events, closing on session cancellation or client disconnect (§6).
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	tok, err := s.authN.AuthenticateRaw(bearerFromWSRequest(r))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := auth.RequireScopes(tok, auth.ScopeSessionsRead, auth.ScopeArtifactsRead); err != nil {
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
		s.log.Warn("logs websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.brokers.Log.SubscribeWithHistory(sessionID)
	defer sub.Unsubscribe()

	for _, event := range sub.History {
		if err := conn.WriteJSON(logEventMessageFrom(event)); err != nil {
			return
		}
	}

	for event := range sub.Queue {
		if err := conn.WriteJSON(logEventMessageFrom(event)); err != nil {
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(5*time.Second))
}

func logEventMessageFrom(e broker.LogEvent) logEventMessage {
	return logEventMessage{Stream: e.Stream, Text: e.Text, Timestamp: e.Timestamp}
}
