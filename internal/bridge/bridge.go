// Package bridge routes messages between one agent process per session and
// any number of browser clients. It owns the per-session state machine, the
// replayable event log, client message deduplication, and the correlation of
// control, permission, and viewer-action requests.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/workspace/session-bridge/internal/agentproc"
	"github.com/workspace/session-bridge/internal/metrics"
)

const (
	DefaultViewerActionTimeout  = 15 * time.Second
	DefaultPendingAgentMessages = 100
	suspendKillTimeout          = 30 * time.Second
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExited       = errors.New("session exited")
	ErrSessionLive         = errors.New("session already has a live agent")
	ErrAgentNotConnected   = errors.New("agent not connected")
	ErrViewerActionTimeout = errors.New("viewer action timed out")
)

// Config tunes per-session buffers and timeouts.
type Config struct {
	EventLogCapacity     int
	ProcessedIDCapacity  int
	PendingAgentMessages int
	ViewerActionTimeout  time.Duration
	// IdleSuspendTimeout stops the agent of a session nobody is watching.
	// Zero disables auto-suspend.
	IdleSuspendTimeout time.Duration
}

// Processes is the slice of the agent process manager the bridge drives.
type Processes interface {
	MarkConnected(sessionID string) error
	SetAgentSessionID(sessionID, agentSessionID string) error
	Kill(ctx context.Context, sessionID string) bool
	Forget(sessionID string)
}

// MetadataStore persists what is needed to resume a session after the bridge
// restarts. Implementations must be safe for concurrent use.
type MetadataStore interface {
	SetAgentSessionID(sessionID, agentSessionID string) error
	UpdateSettings(sessionID, model, permissionMode string) error
	RecordExit(sessionID string, exitCode int) error
	// RecordLastSeq and LastSeq keep sequence numbers unique per session id
	// across bridge restarts.
	RecordLastSeq(sessionID string, seq uint64) error
	LastSeq(sessionID string) (uint64, error)
}

// Bridge is the registry of sessions and the entry point for every transport
// and process event.
type Bridge struct {
	cfg   Config
	procs Processes
	store MetadataStore

	mu       sync.RWMutex
	sessions map[string]*Session
	// retired holds the last sequence number of removed sessions until the
	// id is launched again.
	retired map[string]uint64
}

// New creates a Bridge. store may be nil.
func New(cfg Config, procs Processes, store MetadataStore) *Bridge {
	if cfg.EventLogCapacity <= 0 {
		cfg.EventLogCapacity = DefaultEventLogCapacity
	}
	if cfg.ProcessedIDCapacity <= 0 {
		cfg.ProcessedIDCapacity = DefaultProcessedIDCapacity
	}
	if cfg.PendingAgentMessages <= 0 {
		cfg.PendingAgentMessages = DefaultPendingAgentMessages
	}
	if cfg.ViewerActionTimeout <= 0 {
		cfg.ViewerActionTimeout = DefaultViewerActionTimeout
	}
	return &Bridge{
		cfg:      cfg,
		procs:    procs,
		store:    store,
		sessions: make(map[string]*Session),
		retired:  make(map[string]uint64),
	}
}

func (b *Bridge) session(id string) (*Session, error) {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// PrepareLaunch registers a new session, or revives a dormant one for a
// relaunch, in the starting state. meta replaces the previous metadata,
// including the resume token. The event log of a revived session continues
// where it left off.
func (b *Bridge) PrepareLaunch(id string, meta SessionMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		s = newSession(id, meta, b.cfg)
		if floor := b.seqFloorLocked(id); floor > 0 {
			s.events = NewEventLogAfter(b.cfg.EventLogCapacity, floor)
		}
		b.sessions[id] = s
		slog.Info("Session created", "sessionID", id, "cwd", meta.Cwd, "resume", meta.AgentSessionID != "", "firstSeq", s.events.LastSeq()+1)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExited {
		return fmt.Errorf("%w: %s is %s", ErrSessionLive, id, s.state)
	}
	s.meta = meta
	s.exitCode = nil
	s.outbox = nil
	s.setStateLocked(StateStarting)
	slog.Info("Session revived for relaunch", "sessionID", id, "resume", meta.AgentSessionID != "")
	return nil
}

// seqFloorLocked returns the highest sequence number an earlier session with
// this id has used. Caller holds b.mu.
func (b *Bridge) seqFloorLocked(id string) uint64 {
	floor := b.retired[id]
	delete(b.retired, id)
	if b.store != nil {
		stored, err := b.store.LastSeq(id)
		if err != nil {
			slog.Warn("Failed to read persisted sequence number", "sessionID", id, "error", err)
		} else if stored > floor {
			floor = stored
		}
	}
	return floor
}

// AttachAgent installs t as the session's agent transport, closing any
// transport it replaces, and flushes messages queued before the agent
// connected.
func (b *Bridge) AttachAgent(id string, t Transport) error {
	s, err := b.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.state == StateExited {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExited, id)
	}
	old := s.agent
	s.agent = t
	if old == nil {
		metrics.AgentsConnected.Inc()
	}
	queued := s.outbox
	s.outbox = nil
	if s.state == StateStarting {
		s.setStateLocked(StateConnected)
	} else {
		s.appendStatusLocked()
	}
	for _, line := range queued {
		if err := t.Send(line); err != nil {
			slog.Warn("Failed to flush queued agent message", "sessionID", id, "error", err)
		}
	}
	s.mu.Unlock()

	if old != nil {
		slog.Info("Replacing agent transport", "sessionID", id)
		_ = old.Close()
	}
	if err := b.procs.MarkConnected(id); err != nil {
		slog.Warn("MarkConnected failed", "sessionID", id, "error", err)
	}
	slog.Info("Agent attached", "sessionID", id, "flushed", len(queued))
	return nil
}

// DetachAgent clears the agent transport if t is still the current one.
// Pending correlation entries survive a transport loss.
func (b *Bridge) DetachAgent(id string, t Transport) {
	s, err := b.session(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil || s.agent != t {
		return
	}
	s.agent = nil
	metrics.AgentsConnected.Dec()
	s.appendStatusLocked()
	slog.Info("Agent transport detached", "sessionID", id)
}

// HandleProcessExit is registered as the process manager's exit listener.
func (b *Bridge) HandleProcessExit(id string, exitCode int) {
	s, err := b.session(id)
	if err != nil {
		return
	}

	s.mu.Lock()
	code := exitCode
	s.exitCode = &code
	after := s.teardownLocked(ErrSessionExited, "agent exited")
	s.stopSuspendTimerLocked()
	agent := s.agent
	s.agent = nil
	s.outbox = nil
	if s.state == StateExited {
		s.appendStatusLocked()
	} else {
		s.setStateLocked(StateExited)
	}
	lastSeq := s.events.LastSeq()
	s.mu.Unlock()

	if agent != nil {
		metrics.AgentsConnected.Dec()
		_ = agent.Close()
	}
	runAll(after)
	metrics.AgentExits.WithLabelValues(exitCause(exitCode)).Inc()

	if b.store != nil {
		if err := b.store.RecordExit(id, exitCode); err != nil {
			slog.Warn("Failed to persist session exit", "sessionID", id, "error", err)
		}
		b.persistLastSeq(id, lastSeq)
	}
	slog.Info("Session exited", "sessionID", id, "exitCode", exitCode)
}

func exitCause(code int) string {
	switch {
	case code == 0:
		return "clean"
	case code == agentproc.ExitCodeSpawnFailed:
		return "spawn_failed"
	case code == agentproc.ExitCodeForceKilled:
		return "force_killed"
	case code > 128:
		return "signaled"
	default:
		return "error"
	}
}

// Kill rejects everything pending for the session and terminates its agent.
// The session stays registered in the exited state so it can be relaunched.
func (b *Bridge) Kill(ctx context.Context, id string) error {
	s, err := b.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	after := s.teardownLocked(ErrSessionExited, "session killed")
	s.stopSuspendTimerLocked()
	s.mu.Unlock()
	runAll(after)

	if !b.procs.Kill(ctx, id) {
		s.mu.Lock()
		s.setStateLocked(StateExited)
		s.mu.Unlock()
	}
	return nil
}

// Remove kills the session's agent, closes every transport, and forgets it.
func (b *Bridge) Remove(ctx context.Context, id string) error {
	if err := b.Kill(ctx, id); err != nil {
		return err
	}

	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	if ok {
		b.retired[id] = s.events.LastSeq()
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	b.closeSession(s)
	b.procs.Forget(id)
	slog.Info("Session removed", "sessionID", id)
	return nil
}

// CloseAll tears down every session and closes all transports. Agent
// processes are stopped separately by the process manager.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		after := s.teardownLocked(ErrSessionExited, "bridge shutting down")
		lastSeq := s.events.LastSeq()
		s.mu.Unlock()
		runAll(after)
		b.closeSession(s)
		if b.store != nil {
			b.persistLastSeq(s.id, lastSeq)
		}
	}
	slog.Info("All sessions closed", "count", len(sessions))
}

func (b *Bridge) persistLastSeq(id string, seq uint64) {
	if err := b.store.RecordLastSeq(id, seq); err != nil {
		slog.Warn("Failed to persist sequence number", "sessionID", id, "error", err)
	}
}

func (b *Bridge) closeSession(s *Session) {
	s.mu.Lock()
	s.removed = true
	s.stopSuspendTimerLocked()
	transports := make([]Transport, 0, len(s.browsers)+1)
	if s.agent != nil {
		transports = append(transports, s.agent)
		s.agent = nil
		metrics.AgentsConnected.Dec()
	}
	for id, t := range s.browsers {
		transports = append(transports, t)
		delete(s.browsers, id)
		metrics.BrowsersConnected.Dec()
	}
	metrics.Sessions.WithLabelValues(string(s.state)).Dec()
	s.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
}

// Snapshot returns the current view of one session.
func (b *Bridge) Snapshot(id string) (SessionSnapshot, error) {
	s, err := b.session(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// List returns snapshots of all sessions, oldest first.
func (b *Bridge) List() []SessionSnapshot {
	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.snapshotLocked())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Announce appends a bridge-originated event, such as a greeting, to the
// session log and broadcasts it.
func (b *Bridge) Announce(id, msgType string, fields map[string]any) error {
	s, err := b.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(msgType, fields)
	return nil
}
