package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/session-bridge/internal/metrics"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarting  State = "starting"  // process launched, agent has not dialed back
	StateConnected State = "connected" // agent transport attached, no turn yet
	StateRunning   State = "running"   // a turn is in progress
	StateIdle      State = "idle"      // last turn finished
	StateExited    State = "exited"    // process gone; session dormant until relaunch
)

// SessionMeta is the launch metadata a session carries across relaunches.
type SessionMeta struct {
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	// AgentSessionID is the agent's own session id, used to resume.
	AgentSessionID string `json:"agentSessionId,omitempty"`
}

// SessionSnapshot is a point-in-time view of a session.
type SessionSnapshot struct {
	ID                   string    `json:"id"`
	State                State     `json:"state"`
	AgentConnected       bool      `json:"agentConnected"`
	Browsers             int       `json:"browsers"`
	LastSeq              uint64    `json:"lastSeq"`
	LastAckSeq           uint64    `json:"lastAckSeq"`
	RetainedEvents       int       `json:"retainedEvents"`
	PendingPermissions   int       `json:"pendingPermissions"`
	PendingControls      int       `json:"pendingControls"`
	PendingViewerActions int       `json:"pendingViewerActions"`
	ExitCode             *int      `json:"exitCode,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	SessionMeta
}

// ControlHandler receives the outcome of a control request. err is non-nil
// only when the session is torn down before the agent answers.
type ControlHandler func(response json.RawMessage, err error)

// WarnFunc reports a control request the agent answered with an error.
type WarnFunc func(subtype, errText string)

type pendingControl struct {
	subtype string
	resolve ControlHandler
	sentAt  time.Time
}

type viewerActionResult struct {
	result json.RawMessage
	err    error
}

type pendingViewerAction struct {
	actionID string
	done     chan viewerActionResult
	timer    *time.Timer
}

// deliver hands the outcome to the waiting requester. The table guarantees a
// single call; the buffered channel keeps it non-blocking.
func (p *pendingViewerAction) deliver(result json.RawMessage, err error) {
	select {
	case p.done <- viewerActionResult{result: result, err: err}:
	default:
	}
}

// Session is one agent process and the browsers watching it. All routing for
// a session is serialized by mu; transports only queue under it.
type Session struct {
	id string

	mu            sync.Mutex
	state         State
	agent         Transport
	browsers      map[string]Transport
	events        *EventLog
	processed     *processedIDs
	controls      *pendingTable[*pendingControl]
	viewerActions *pendingTable[*pendingViewerAction]
	permissions   *pendingTable[PermissionRequest]
	outbox        [][]byte
	outboxLimit   int
	meta          SessionMeta
	exitCode      *int
	createdAt     time.Time
	suspendTimer  *time.Timer
	removed       bool
}

func newSession(id string, meta SessionMeta, cfg Config) *Session {
	metrics.Sessions.WithLabelValues(string(StateStarting)).Inc()
	return &Session{
		id:            id,
		state:         StateStarting,
		browsers:      make(map[string]Transport),
		events:        NewEventLog(cfg.EventLogCapacity),
		processed:     newProcessedIDs(cfg.ProcessedIDCapacity),
		controls:      newPendingTable[*pendingControl](),
		viewerActions: newPendingTable[*pendingViewerAction](),
		permissions:   newPendingTable[PermissionRequest](),
		outboxLimit:   cfg.PendingAgentMessages,
		meta:          meta,
		createdAt:     time.Now().UTC(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// setStateLocked transitions the session and announces the change.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	slog.Info("Session state changed", "sessionID", s.id, "from", s.state, "to", next)
	metrics.Sessions.WithLabelValues(string(s.state)).Dec()
	metrics.Sessions.WithLabelValues(string(next)).Inc()
	s.state = next
	s.appendStatusLocked()
}

// appendStatusLocked records a session_status event reflecting the current
// state and agent connectivity.
func (s *Session) appendStatusLocked() {
	fields := map[string]any{
		"state":          s.state,
		"agentConnected": s.agent != nil,
	}
	if s.exitCode != nil {
		fields["exitCode"] = *s.exitCode
	}
	s.appendEventLocked(MsgSessionStatus, fields)
}

// appendEventLocked sequences a bridge-originated frame and broadcasts it.
func (s *Session) appendEventLocked(msgType string, fields map[string]any) Event {
	ev := s.events.Append(func(seq uint64) []byte {
		return marshalSequenced(msgType, seq, fields)
	})
	metrics.EventsAppended.Inc()
	s.broadcastLocked(ev.Data)
	return ev
}

// appendAgentEventLocked sequences a raw agent line and broadcasts it.
func (s *Session) appendAgentEventLocked(line []byte) Event {
	raw := json.RawMessage(append([]byte(nil), line...))
	ev := s.events.Append(func(seq uint64) []byte {
		return marshalSequenced(MsgAgentEvent, seq, map[string]any{"event": raw})
	})
	metrics.EventsAppended.Inc()
	s.broadcastLocked(ev.Data)
	return ev
}

// broadcastLocked queues data to every browser. Failures are per-transport
// and never abort the fan-out.
func (s *Session) broadcastLocked(data []byte) {
	for id, t := range s.browsers {
		if err := t.Send(data); err != nil {
			metrics.SendFailures.WithLabelValues("browser").Inc()
			slog.Warn("Browser send failed", "sessionID", s.id, "browserID", id, "error", err)
		}
	}
}

func (s *Session) sendToBrowserLocked(browserID string, data []byte) {
	t, ok := s.browsers[browserID]
	if !ok {
		return
	}
	if err := t.Send(data); err != nil {
		metrics.SendFailures.WithLabelValues("browser").Inc()
		slog.Warn("Browser send failed", "sessionID", s.id, "browserID", browserID, "error", err)
	}
}

// sendToAgentLocked writes one NDJSON line to the agent, queueing it while
// the agent has not connected yet.
func (s *Session) sendToAgentLocked(line []byte) error {
	if s.state == StateExited {
		return ErrSessionExited
	}
	if s.agent == nil {
		if s.outboxLimit > 0 && len(s.outbox) >= s.outboxLimit {
			return ErrAgentNotConnected
		}
		s.outbox = append(s.outbox, line)
		slog.Debug("Queued message for agent", "sessionID", s.id, "queued", len(s.outbox))
		return nil
	}
	if err := s.agent.Send(line); err != nil {
		metrics.SendFailures.WithLabelValues("agent").Inc()
		slog.Warn("Agent send failed", "sessionID", s.id, "error", err)
		return err
	}
	return nil
}

// teardownLocked settles every pending correlation entry. Control handlers
// are returned for the caller to run after releasing the lock.
func (s *Session) teardownLocked(cause error, reason string) []func() {
	var after []func()
	for _, c := range s.controls.drain() {
		if c.resolve == nil {
			continue
		}
		metrics.ControlRequests.WithLabelValues(c.subtype, "rejected").Inc()
		resolve := c.resolve
		after = append(after, func() { resolve(nil, cause) })
	}
	for _, v := range s.viewerActions.drain() {
		if v.timer != nil {
			v.timer.Stop()
		}
		metrics.ViewerActions.WithLabelValues("rejected").Inc()
		v.deliver(nil, cause)
	}
	for _, p := range s.permissions.drain() {
		metrics.PermissionRequests.WithLabelValues("cancelled").Inc()
		s.appendEventLocked(MsgPermissionCancelled, map[string]any{
			"request_id": p.RequestID,
			"reason":     reason,
		})
	}
	return after
}

func (s *Session) stopSuspendTimerLocked() {
	if s.suspendTimer != nil {
		s.suspendTimer.Stop()
		s.suspendTimer = nil
	}
}

// stateFrameLocked renders the session_state snapshot sent on attach.
func (s *Session) stateFrameLocked() []byte {
	fields := map[string]any{
		"sessionId":          s.id,
		"state":              s.state,
		"agentConnected":     s.agent != nil,
		"agentSessionId":     s.meta.AgentSessionID,
		"model":              s.meta.Model,
		"permissionMode":     s.meta.PermissionMode,
		"cwd":                s.meta.Cwd,
		"lastSeq":            s.events.LastSeq(),
		"lastAckSeq":         s.events.LastAckSeq(),
		"pendingPermissions": s.permissions.values(),
	}
	if s.exitCode != nil {
		fields["exitCode"] = *s.exitCode
	}
	return marshalFrame(MsgSessionState, fields)
}

func (s *Session) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		ID:                   s.id,
		State:                s.state,
		AgentConnected:       s.agent != nil,
		Browsers:             len(s.browsers),
		LastSeq:              s.events.LastSeq(),
		LastAckSeq:           s.events.LastAckSeq(),
		RetainedEvents:       s.events.Len(),
		PendingPermissions:   s.permissions.len(),
		PendingControls:      s.controls.len(),
		PendingViewerActions: s.viewerActions.len(),
		CreatedAt:            s.createdAt,
		SessionMeta:          s.meta,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	return snap
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
