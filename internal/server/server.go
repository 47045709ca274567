// Package server provides the HTTP and WebSocket surface of the session bridge.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/workspace/session-bridge/internal/agentproc"
	"github.com/workspace/session-bridge/internal/auth"
	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/config"
	"github.com/workspace/session-bridge/internal/mode"
	"github.com/workspace/session-bridge/internal/persistence"
)

// Server is the HTTP server for the session bridge.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	bridge     *bridge.Bridge
	procs      *agentproc.Manager
	tokens     *auth.TokenIssuer
	store      *persistence.Store
	manifest   atomic.Pointer[mode.Manifest]
	watcher    *mode.Watcher
	startedAt  time.Time
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	return newServer(cfg, agentproc.Config{
		Binary:              cfg.AgentBinary,
		ExtraArgs:           cfg.AgentExtraArgs,
		UsePTY:              cfg.AgentUsePTY,
		KillGracePeriod:     cfg.KillGracePeriod,
		ResumeFailureWindow: cfg.ResumeFailureWindow,
	})
}

func newServer(cfg *config.Config, procCfg agentproc.Config) (*Server, error) {
	tokens, err := auth.NewTokenIssuer(cfg.AgentTokenSecret, cfg.AgentTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	if cfg.AgentTokenSecret == "" {
		slog.Warn("AGENT_TOKEN_SECRET not set; using a random secret, agent tokens will not survive a restart")
	}

	manifest, err := mode.Load(cfg.ModeManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load mode manifest: %w", err)
	}
	if manifest != nil {
		slog.Info("Mode manifest loaded", "path", manifest.Path, "model", manifest.Agent.Model, "permissionMode", manifest.Agent.PermissionMode)
	}

	var store *persistence.Store
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create persistence directory: %w", err)
		}
		store, err = persistence.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open persistence store: %w", err)
		}
	} else {
		slog.Info("BRIDGE_DB_PATH not set; session metadata will not survive a restart")
	}

	procs := agentproc.NewManager(procCfg)

	var metaStore bridge.MetadataStore
	if store != nil {
		metaStore = store
	}
	b := bridge.New(bridge.Config{
		EventLogCapacity:     cfg.EventLogCapacity,
		ProcessedIDCapacity:  cfg.ProcessedIDCapacity,
		PendingAgentMessages: cfg.PendingAgentMessages,
		ViewerActionTimeout:  cfg.ViewerActionTimeout,
		IdleSuspendTimeout:   cfg.IdleSuspendTimeout,
	}, procs, metaStore)

	s := &Server{
		config:    cfg,
		bridge:    b,
		procs:     procs,
		tokens:    tokens,
		store:     store,
		startedAt: time.Now(),
	}
	s.manifest.Store(manifest)
	if cfg.ModeManifestPath != "" {
		w, err := mode.NewWatcher(cfg.ModeManifestPath, s.manifest.Store, slog.Default())
		if err != nil {
			slog.Warn("Mode manifest will not be reloaded on change", "path", cfg.ModeManifestPath, "error", err)
		} else {
			s.watcher = w
		}
	}

	// The bridge must observe the exit before the resume state is persisted.
	procs.OnExited(b.HandleProcessExit)
	procs.OnExited(s.persistResumeState)

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would also apply to hijacked WebSocket
	// connections and kill them after the timeout.
	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	slog.Info("Starting session bridge", "addr", s.httpServer.Addr, "callbackBaseURL", s.config.CallbackBaseURL)
	return s.httpServer.ListenAndServe()
}

// Stop terminates every agent process, closes all transports, and shuts the
// HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			slog.Warn("Failed to close mode manifest watcher", "error", err)
		}
	}
	s.procs.KillAll(ctx)
	s.bridge.CloseAll()

	err := s.httpServer.Shutdown(ctx)

	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			slog.Warn("Failed to close persistence store", "error", cerr)
		}
	}
	return err
}

// currentManifest returns the latest loaded mode manifest, or nil.
func (s *Server) currentManifest() *mode.Manifest {
	return s.manifest.Load()
}

// persistResumeState mirrors the process manager's resume token into the
// store after an exit, so a token cleared by a failed resume stays cleared
// across bridge restarts.
func (s *Server) persistResumeState(sessionID string, _ int) {
	if s.store == nil {
		return
	}
	info, ok := s.procs.Get(sessionID)
	if !ok || info.AgentSessionID != "" {
		return
	}
	if err := s.store.SetAgentSessionID(sessionID, ""); err != nil {
		slog.Warn("Failed to clear persisted resume token", "sessionID", sessionID, "error", err)
	}
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metricsHandler())

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{sessionId}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{sessionId}/kill", s.handleKillSession)
	mux.HandleFunc("POST /sessions/{sessionId}/relaunch", s.handleRelaunchSession)
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{sessionId}/viewer-actions", s.handleViewerAction)

	mux.HandleFunc("GET /ws/cli/{sessionId}", s.handleAgentWS)
	mux.HandleFunc("GET /ws/browser/{sessionId}", s.handleBrowserWS)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks origin against the allow list. Supports "*" and
// wildcard subdomain patterns like "https://*.example.com".
func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}
