package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-bridge/internal/bridge"
)

// handleAgentWS accepts the WebSocket the agent CLI dials back on. The
// connection must carry the callback token minted for this session, either in
// the token query parameter or as a bearer token.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	token := agentToken(r)
	if token == "" {
		writeSessionError(w, http.StatusUnauthorized, "unauthorized", "Missing agent token")
		return
	}
	if _, err := s.tokens.Validate(token, sessionID); err != nil {
		slog.Warn("Agent token rejected", "sessionID", sessionID, "error", err)
		writeSessionError(w, http.StatusUnauthorized, "unauthorized", "Invalid agent token")
		return
	}

	snap, err := s.bridge.Snapshot(sessionID)
	if err != nil {
		writeSessionError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}
	if snap.State == bridge.StateExited {
		writeSessionError(w, http.StatusConflict, "session_not_running", "Session is not running")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Agent WebSocket upgrade failed", "sessionID", sessionID, "error", err)
		return
	}

	transport := newWSTransport(conn, "agent", sessionID, agentSendBuffer, s.config.WSPingInterval)
	if err := s.bridge.AttachAgent(sessionID, transport); err != nil {
		slog.Warn("Agent attach rejected", "sessionID", sessionID, "error", err)
		transport.Close()
		return
	}
	defer func() {
		s.bridge.DetachAgent(sessionID, transport)
		transport.Close()
	}()

	s.prepareRead(conn, maxAgentFrameBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				slog.Info("Agent WebSocket closed", "sessionID", sessionID, "error", err)
			}
			return
		}
		s.bridge.HandleAgentData(sessionID, data)
	}
}

func agentToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
