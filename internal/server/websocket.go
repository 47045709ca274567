package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/metrics"
)

const (
	writeWait          = 10 * time.Second
	maxAgentFrameBytes = 16 << 20
	maxBrowserFrame    = 1 << 20
	agentSendBuffer    = 256
)

var errSendBufferFull = errors.New("send buffer full")

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - the agent CLI and other non-browser clients
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
func (s *Server) isOriginAllowed(origin string) bool {
	if originAllowed(origin, s.config.AllowedOrigins) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}

	// The subdomain part must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// wsTransport adapts a gorilla connection to bridge.Transport. Sends are
// queued on a bounded channel and written by a single writer goroutine, so the
// bridge never blocks on a slow peer.
//
// A browser whose buffer overflows is disconnected with CloseTryAgainLater:
// it has missed a frame and must reconnect to replay from its last seq. The
// agent connection is kept and the caller sees the error instead.
type wsTransport struct {
	conn            *websocket.Conn
	peer            string
	sessionID       string
	sendCh          chan [][]byte
	done            chan struct{}
	once            sync.Once
	closeCode       int
	closeOnOverflow bool
	pingInterval    time.Duration
}

func newWSTransport(conn *websocket.Conn, peer, sessionID string, buffer int, pingInterval time.Duration) *wsTransport {
	if buffer <= 0 {
		buffer = 1
	}
	t := &wsTransport{
		conn:            conn,
		peer:            peer,
		sessionID:       sessionID,
		sendCh:          make(chan [][]byte, buffer),
		done:            make(chan struct{}),
		closeCode:       websocket.CloseNormalClosure,
		closeOnOverflow: peer == "browser",
		pingInterval:    pingInterval,
	}
	go t.writePump()
	return t
}

// Send queues one frame.
func (t *wsTransport) Send(data []byte) error {
	return t.SendBatch([][]byte{data})
}

// SendBatch queues frames as a single unit so a replay is never interleaved
// or partially dropped.
func (t *wsTransport) SendBatch(frames [][]byte) error {
	select {
	case <-t.done:
		return bridge.ErrTransportClosed
	default:
	}
	select {
	case t.sendCh <- frames:
		return nil
	case <-t.done:
		return bridge.ErrTransportClosed
	default:
		metrics.SendFailures.WithLabelValues(t.peer).Inc()
		slog.Warn("WebSocket send buffer full", "sessionID", t.sessionID, "peer", t.peer, "disconnect", t.closeOnOverflow)
		if t.closeOnOverflow {
			t.closeWith(websocket.CloseTryAgainLater)
		}
		return errSendBufferFull
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (t *wsTransport) Close() error {
	t.closeWith(websocket.CloseNormalClosure)
	return nil
}

func (t *wsTransport) closeWith(code int) {
	t.once.Do(func() {
		t.closeCode = code
		close(t.done)
	})
}

func (t *wsTransport) writePump() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if t.pingInterval > 0 {
		ticker = time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer t.conn.Close()

	for {
		select {
		case frames := <-t.sendCh:
			for _, f := range frames {
				_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := t.conn.WriteMessage(websocket.TextMessage, f); err != nil {
					slog.Debug("WebSocket write failed", "sessionID", t.sessionID, "peer", t.peer, "error", err)
					t.Close()
					return
				}
			}
		case <-tick:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.Close()
				return
			}
		case <-t.done:
			t.flush()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(t.closeCode, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever was queued before Close, e.g. the final exit status.
func (t *wsTransport) flush() {
	for {
		select {
		case frames := <-t.sendCh:
			for _, f := range frames {
				_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := t.conn.WriteMessage(websocket.TextMessage, f); err != nil {
					return
				}
			}
		default:
			return
		}
	}
}

// prepareRead applies the read limit and the pong-driven read deadline.
func (s *Server) prepareRead(conn *websocket.Conn, limit int64) {
	conn.SetReadLimit(limit)
	if s.config.WSPingInterval <= 0 {
		return
	}
	wait := s.config.WSPingInterval + s.config.WSPongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
}
