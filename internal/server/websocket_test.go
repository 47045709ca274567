package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/config"
)

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"http://foo.example.com", "https://*.example.com", false},
		{"https://evil.com/x.example.com", "https://*.example.com", false},
		{"https://foo.example.com.evil.com", "https://*.example.com", false},
		{"https://foo.example.com", "https://foo.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin+" vs "+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchWildcardOrigin(tt.origin, tt.pattern))
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	s := &Server{config: &config.Config{
		AllowedOrigins: []string{"http://localhost:3000", "https://*.example.com"},
	}}

	assert.True(t, s.isOriginAllowed("http://localhost:3000"))
	assert.True(t, s.isOriginAllowed("https://app.example.com"))
	assert.False(t, s.isOriginAllowed("http://localhost:4000"))
	assert.False(t, s.isOriginAllowed("https://example.org"))

	open := &Server{config: &config.Config{AllowedOrigins: []string{"*"}}}
	assert.True(t, open.isOriginAllowed("https://anything.test"))
}

func TestCreateUpgraderChecksOrigin(t *testing.T) {
	s := &Server{config: &config.Config{
		AllowedOrigins:    []string{"http://localhost:3000"},
		WSReadBufferSize:  512,
		WSWriteBufferSize: 256,
	}}
	upgrader := s.createUpgrader()
	assert.Equal(t, 512, upgrader.ReadBufferSize)
	assert.Equal(t, 256, upgrader.WriteBufferSize)

	req := httptest.NewRequest(http.MethodGet, "/ws/browser/s1", nil)
	assert.True(t, upgrader.CheckOrigin(req), "requests without Origin come from the agent CLI")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "http://attacker.test")
	assert.False(t, upgrader.CheckOrigin(req))
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := corsMiddleware(next, []string{"https://*.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Origin", "https://other.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// wsPair returns the server side of a live WebSocket connection and the
// client that dialed it.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverConns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-serverConns:
		return conn, client
	case <-time.After(5 * time.Second):
		t.Fatal("server side of websocket never arrived")
		return nil, nil
	}
}

func newIdleTransport(conn *websocket.Conn, peer string) *wsTransport {
	return &wsTransport{
		conn:            conn,
		peer:            peer,
		sessionID:       "s1",
		sendCh:          make(chan [][]byte, 1),
		done:            make(chan struct{}),
		closeCode:       websocket.CloseNormalClosure,
		closeOnOverflow: peer == "browser",
	}
}

func TestBrowserTransportClosesOnOverflow(t *testing.T) {
	serverConn, client := wsPair(t)

	// The writer is started by hand so the buffer can be filled first.
	tr := newIdleTransport(serverConn, "browser")
	require.NoError(t, tr.Send([]byte(`{"seq":1}`)))
	assert.ErrorIs(t, tr.Send([]byte(`{"seq":2}`)), errSendBufferFull)

	select {
	case <-tr.done:
	default:
		t.Fatal("transport still open after overflow")
	}
	assert.ErrorIs(t, tr.Send([]byte(`{"seq":3}`)), bridge.ErrTransportClosed)

	go tr.writePump()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":1}`, string(data), "frames queued before the overflow are still delivered")

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "close error = %v", err)
}

func TestAgentTransportStaysOpenOnOverflow(t *testing.T) {
	serverConn, _ := wsPair(t)

	tr := newIdleTransport(serverConn, "agent")
	t.Cleanup(func() { tr.Close(); serverConn.Close() })
	require.NoError(t, tr.Send([]byte(`{"type":"user"}`)))
	assert.ErrorIs(t, tr.Send([]byte(`{"type":"user"}`)), errSendBufferFull)

	select {
	case <-tr.done:
		t.Fatal("agent transport closed on overflow")
	default:
	}
}
