package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/session-bridge/internal/agentproc"
	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/persistence"
)

var errInvalidLaunch = errors.New("invalid launch options")

type createSessionRequest struct {
	ID             string `json:"id,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	// AgentSessionID resumes an existing agent conversation.
	AgentSessionID string `json:"agentSessionId,omitempty"`
}

type relaunchRequest struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	// Fresh drops the resume token and starts a new agent conversation.
	Fresh bool `json:"fresh,omitempty"`
}

type viewerActionRequest struct {
	ActionID string          `json:"actionId"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// sessionResponse is the REST view of a session: the bridge snapshot plus
// the tracked agent process, if any.
type sessionResponse struct {
	bridge.SessionSnapshot
	Process *agentproc.ProcessInfo `json:"process,omitempty"`
}

func (s *Server) sessionView(snap bridge.SessionSnapshot) sessionResponse {
	resp := sessionResponse{SessionSnapshot: snap}
	if info, ok := s.procs.Get(snap.ID); ok {
		resp.Process = &info
	}
	return resp
}

// storedView renders a session known only to the persistence store, i.e.
// one created before the bridge restarted. It is dormant by definition.
func storedView(sess persistence.Session) sessionResponse {
	snap := bridge.SessionSnapshot{
		ID:       sess.ID,
		State:    bridge.StateExited,
		ExitCode: sess.ExitCode,
		SessionMeta: bridge.SessionMeta{
			Cwd:            sess.Cwd,
			Model:          sess.Model,
			PermissionMode: sess.PermissionMode,
			AgentSessionID: sess.AgentSessionID,
		},
	}
	if t, err := time.Parse(time.RFC3339Nano, sess.CreatedAt); err == nil {
		snap.CreatedAt = t
	}
	return sessionResponse{SessionSnapshot: snap}
}

// handleCreateSession registers a session and launches its agent.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := decodeBody(r, &body); err != nil {
		writeSessionError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id := strings.TrimSpace(body.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.bridge.Snapshot(id); err == nil || s.storedSession(id) != nil {
		writeSessionError(w, http.StatusConflict, "session_exists", "Session already exists; relaunch it instead")
		return
	}

	model, mode := s.currentManifest().ApplyDefaults(body.Model, body.PermissionMode)
	meta := bridge.SessionMeta{
		Cwd:            body.Cwd,
		Model:          model,
		PermissionMode: mode,
		AgentSessionID: body.AgentSessionID,
	}

	snap, err := s.launch(r.Context(), id, meta, true)
	if err != nil {
		s.writeLaunchError(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionView(snap))
}

// handleListSessions lists live and dormant sessions, including sessions
// persisted by a previous bridge process.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.bridge.List()
	out := make([]sessionResponse, 0, len(snaps))
	known := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		known[snap.ID] = true
		out = append(out, s.sessionView(snap))
	}

	if s.store != nil {
		stored, err := s.store.List()
		if err != nil {
			slog.Warn("Failed to list persisted sessions", "error", err)
		}
		for _, sess := range stored {
			if !known[sess.ID] {
				out = append(out, storedView(sess))
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": out,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if snap, err := s.bridge.Snapshot(id); err == nil {
		writeJSON(w, http.StatusOK, s.sessionView(snap))
		return
	}
	if stored := s.storedSession(id); stored != nil {
		writeJSON(w, http.StatusOK, storedView(*stored))
		return
	}
	writeSessionError(w, http.StatusNotFound, "session_not_found", "Session not found")
}

// handleKillSession stops the agent. The session stays dormant and can be
// relaunched.
func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if err := s.bridge.Kill(r.Context(), id); err != nil {
		writeBridgeError(w, err)
		return
	}
	snap, err := s.bridge.Snapshot(id)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(snap))
}

// handleRelaunchSession starts a new agent process for a dormant session,
// resuming the agent conversation when a resume token is known.
func (s *Server) handleRelaunchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	var body relaunchRequest
	if err := decodeBody(r, &body); err != nil {
		writeSessionError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var meta bridge.SessionMeta
	if snap, err := s.bridge.Snapshot(id); err == nil {
		if snap.State != bridge.StateExited {
			writeSessionError(w, http.StatusConflict, "session_live", "Session already has a live agent")
			return
		}
		meta = snap.SessionMeta
	} else if stored := s.storedSession(id); stored != nil {
		meta = storedView(*stored).SessionMeta
	} else {
		writeSessionError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}

	// The process manager drops the token after a failed resume, so its
	// record wins over the bridge's copy.
	if info, ok := s.procs.Get(id); ok {
		meta.AgentSessionID = info.AgentSessionID
	}
	if body.Fresh {
		meta.AgentSessionID = ""
	}
	if body.Model != "" {
		meta.Model = body.Model
	}
	if body.PermissionMode != "" {
		meta.PermissionMode = body.PermissionMode
	}

	snap, err := s.launch(r.Context(), id, meta, false)
	if err != nil {
		s.writeLaunchError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(snap))
}

// handleDeleteSession kills the agent and forgets the session everywhere.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	err := s.bridge.Remove(r.Context(), id)
	if err != nil && !errors.Is(err, bridge.ErrSessionNotFound) {
		writeBridgeError(w, err)
		return
	}
	found := err == nil
	if s.store != nil {
		if s.storedSession(id) != nil {
			found = true
		}
		if derr := s.store.Delete(id); derr != nil {
			slog.Warn("Failed to delete persisted session", "sessionID", id, "error", derr)
		}
	}
	if !found {
		writeSessionError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleViewerAction is called by the agent side to ask a connected browser
// to perform an editor action. It blocks until a browser answers or the
// request times out.
func (s *Server) handleViewerAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	var body viewerActionRequest
	if err := decodeBody(r, &body); err != nil {
		writeSessionError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.ActionID) == "" {
		writeSessionError(w, http.StatusBadRequest, "invalid_request", "actionId is required")
		return
	}

	result, err := s.bridge.SendViewerActionRequest(r.Context(), id, body.ActionID, body.Params)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
	})
}

// launch prepares the bridge session, persists its metadata, and spawns the
// agent with a callback URL carrying a freshly minted token.
func (s *Server) launch(ctx context.Context, id string, meta bridge.SessionMeta, greet bool) (bridge.SessionSnapshot, error) {
	token, err := s.tokens.Mint(id)
	if err != nil {
		return bridge.SessionSnapshot{}, fmt.Errorf("mint agent token: %w", err)
	}

	opts := agentproc.LaunchOptions{
		SessionID:      id,
		CallbackURL:    s.callbackURL(id, token),
		Cwd:            meta.Cwd,
		Model:          meta.Model,
		PermissionMode: meta.PermissionMode,
		ResumeToken:    meta.AgentSessionID,
	}
	manifest := s.currentManifest()
	if manifest != nil && manifest.SkillsDir != "" {
		opts.AddDirs = []string{manifest.SkillsDir}
	}
	if err := opts.Validate(); err != nil {
		return bridge.SessionSnapshot{}, fmt.Errorf("%w: %v", errInvalidLaunch, err)
	}

	if err := s.bridge.PrepareLaunch(id, meta); err != nil {
		return bridge.SessionSnapshot{}, err
	}

	if s.store != nil {
		err := s.store.Upsert(persistence.Session{
			ID:             id,
			Cwd:            meta.Cwd,
			Model:          meta.Model,
			PermissionMode: meta.PermissionMode,
			AgentSessionID: meta.AgentSessionID,
		})
		if err != nil {
			slog.Warn("Failed to persist session metadata", "sessionID", id, "error", err)
		}
	}

	if greet {
		if text := manifest.Greeting(); text != "" {
			if err := s.bridge.Announce(id, bridge.MsgNotice, map[string]any{"text": text}); err != nil {
				slog.Warn("Failed to announce greeting", "sessionID", id, "error", err)
			}
		}
	}

	if _, err := s.procs.Launch(ctx, opts); err != nil {
		s.bridge.HandleProcessExit(id, agentproc.ExitCodeSpawnFailed)
		return bridge.SessionSnapshot{}, err
	}
	return s.bridge.Snapshot(id)
}

func (s *Server) callbackURL(id, token string) string {
	base := strings.TrimRight(s.config.CallbackBaseURL, "/")
	return base + "/ws/cli/" + url.PathEscape(id) + "?token=" + url.QueryEscape(token)
}

func (s *Server) storedSession(id string) *persistence.Session {
	if s.store == nil {
		return nil
	}
	sess, err := s.store.Get(id)
	if err != nil {
		slog.Warn("Failed to read persisted session", "sessionID", id, "error", err)
		return nil
	}
	return sess
}

func (s *Server) writeLaunchError(w http.ResponseWriter, id string, err error) {
	slog.Warn("Session launch failed", "sessionID", id, "error", err)
	writeBridgeError(w, err)
}

// writeBridgeError maps bridge and process errors onto HTTP responses.
func writeBridgeError(w http.ResponseWriter, err error) {
	var actionErr *bridge.ViewerActionError
	switch {
	case errors.Is(err, errInvalidLaunch):
		writeSessionError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, bridge.ErrSessionNotFound):
		writeSessionError(w, http.StatusNotFound, "session_not_found", "Session not found")
	case errors.Is(err, bridge.ErrSessionLive), errors.Is(err, agentproc.ErrAlreadyRunning):
		writeSessionError(w, http.StatusConflict, "session_live", err.Error())
	case errors.Is(err, bridge.ErrSessionExited):
		writeSessionError(w, http.StatusConflict, "session_not_running", "Session is not running")
	case errors.Is(err, bridge.ErrAgentNotConnected):
		writeSessionError(w, http.StatusConflict, "agent_not_connected", "Agent is not connected")
	case errors.Is(err, bridge.ErrViewerActionTimeout):
		writeSessionError(w, http.StatusGatewayTimeout, "viewer_action_timeout", err.Error())
	case errors.As(err, &actionErr):
		writeSessionError(w, http.StatusBadGateway, "viewer_action_failed", actionErr.Message)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeSessionError(w, http.StatusRequestTimeout, "request_cancelled", err.Error())
	default:
		writeSessionError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
