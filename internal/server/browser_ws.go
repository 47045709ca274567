package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/metrics"
)

// handleBrowserWS attaches a browser viewer to a session. A reconnecting
// client passes the last sequence number it saw in last_seq and a stable
// client_id, and receives a snapshot followed by every retained event after
// last_seq. Dormant sessions accept viewers so their history stays readable.
func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if _, err := s.bridge.Snapshot(sessionID); err != nil {
		writeSessionError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}

	var lastSeq uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("last_seq")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeSessionError(w, http.StatusBadRequest, "invalid_last_seq", "last_seq must be a non-negative integer")
			return
		}
		lastSeq = v
	}

	browserID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if browserID == "" {
		browserID = uuid.NewString()
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Browser WebSocket upgrade failed", "sessionID", sessionID, "error", err)
		return
	}

	transport := newWSTransport(conn, "browser", sessionID, s.config.BrowserSendBuffer, s.config.WSPingInterval)
	if err := s.bridge.AttachBrowser(sessionID, browserID, transport, lastSeq); err != nil {
		slog.Warn("Browser attach failed", "sessionID", sessionID, "browserID", browserID, "error", err)
		transport.Close()
		return
	}
	defer func() {
		s.bridge.DetachBrowser(sessionID, browserID, transport)
		transport.Close()
	}()

	var limiter *rate.Limiter
	if s.config.BrowserRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.BrowserRateLimit), max(s.config.BrowserRateBurst, 1))
	}

	s.prepareRead(conn, maxBrowserFrame)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				slog.Info("Browser WebSocket closed", "sessionID", sessionID, "browserID", browserID, "error", err)
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			metrics.RateLimited.Inc()
			_ = transport.Send(rateLimitedFrame)
			continue
		}
		s.bridge.HandleBrowserMessage(sessionID, browserID, data)
	}
}

var rateLimitedFrame = mustJSON(map[string]string{
	"type":    bridge.MsgError,
	"message": "rate limit exceeded",
})

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
