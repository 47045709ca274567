package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/workspace/session-bridge/internal/metrics"
)

// AttachBrowser registers t under browserID and brings it up to date: a
// session_state snapshot, every retained event after lastSeq in order, then
// replay_complete. A lastSeq beyond the log's last sequence number replays
// from the start with reset set. The whole sequence is queued under the session lock, so no
// live event can interleave with the replay. A transport already registered
// under browserID is replaced and closed.
func (b *Bridge) AttachBrowser(id, browserID string, t Transport, lastSeq uint64) error {
	s, err := b.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	old, replaced := s.browsers[browserID]
	s.browsers[browserID] = t
	if !replaced {
		metrics.BrowsersConnected.Inc()
	}
	s.stopSuspendTimerLocked()

	// A lastSeq ahead of the log was issued by an earlier incarnation of this
	// session id. The browser gets everything retained and must discard its
	// own history.
	from := lastSeq
	reset := lastSeq > s.events.LastSeq()
	if reset {
		from = 0
	}
	events := s.events.Since(from)
	frames := make([][]byte, 0, len(events)+2)
	frames = append(frames, s.stateFrameLocked())
	for _, ev := range events {
		frames = append(frames, ev.Data)
	}
	frames = append(frames, marshalFrame(MsgReplayComplete, map[string]any{
		"lastSeq":  s.events.LastSeq(),
		"replayed": len(events),
		"gap":      reset || s.events.HasGap(from),
		"reset":    reset,
	}))
	sendErr := sendBatch(t, frames)
	browsers := len(s.browsers)
	s.mu.Unlock()

	if replaced && old != t {
		_ = old.Close()
	}
	metrics.EventsReplayed.Add(float64(len(events)))
	if sendErr != nil {
		slog.Warn("Browser replay failed", "sessionID", id, "browserID", browserID, "error", sendErr)
		b.DetachBrowser(id, browserID, t)
		return fmt.Errorf("replay to %s: %w", browserID, sendErr)
	}
	if reset {
		slog.Warn("Browser last_seq is ahead of the session log, replaying from start", "sessionID", id, "browserID", browserID, "lastSeq", lastSeq)
	}
	slog.Info("Browser attached", "sessionID", id, "browserID", browserID, "lastSeq", lastSeq, "replayed", len(events), "browsers", browsers)
	return nil
}

// DetachBrowser removes browserID if t is still its transport. When the last
// browser leaves, the idle-suspend timer is armed.
func (b *Bridge) DetachBrowser(id, browserID string, t Transport) {
	s, err := b.session(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.browsers[browserID]
	if !ok || current != t {
		return
	}
	delete(s.browsers, browserID)
	metrics.BrowsersConnected.Dec()
	b.armSuspendLocked(s)
	slog.Info("Browser detached", "sessionID", id, "browserID", browserID, "browsers", len(s.browsers))
}

// HandleBrowserMessage routes one frame from a browser. Messages whose
// client_msg_id was already processed are dropped silently. A user_message
// counts as processed only once it reached the agent or its outbox, so a
// browser may retry one that was answered with an error.
func (b *Bridge) HandleBrowserMessage(id, browserID string, data []byte) {
	s, err := b.session(id)
	if err != nil {
		return
	}

	msg, err := ParseBrowserMessage(data)
	if err != nil {
		slog.Warn("Dropping malformed browser message", "sessionID", id, "browserID", browserID, "error", err)
		s.mu.Lock()
		s.sendToBrowserLocked(browserID, marshalFrame(MsgError, map[string]any{"message": "malformed message"}))
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if msg.ClientMsgID != "" && s.processed.contains(msg.ClientMsgID) {
		s.mu.Unlock()
		metrics.DuplicateClientMessages.Inc()
		slog.Debug("Duplicate browser message dropped", "sessionID", id, "clientMsgID", msg.ClientMsgID, "type", msg.Type)
		return
	}

	if msg.ClientMsgID != "" && msg.Type != BrowserUserMessage {
		s.processed.add(msg.ClientMsgID)
	}

	var after func() error
	switch msg.Type {
	case BrowserUserMessage:
		s.forwardUserMessageLocked(msg, browserID)
	case BrowserPermissionResponse:
		s.resolvePermissionLocked(msg, browserID)
	case BrowserViewerActionResponse:
		s.resolveViewerActionLocked(msg.RequestID, msg.Result, msg.Error)
	case BrowserAck:
		s.events.Ack(msg.Seq)
	case BrowserPing:
		s.sendToBrowserLocked(browserID, marshalFrame(MsgPong, nil))
	case BrowserInterrupt:
		after = func() error { return b.Interrupt(id) }
	case BrowserSetModel:
		after = func() error { return b.SetModel(id, msg.Model) }
	case BrowserSetPermissionMode:
		after = func() error { return b.SetPermissionMode(id, msg.Mode) }
	default:
		slog.Debug("Ignoring unknown browser message type", "sessionID", id, "type", msg.Type)
	}
	s.mu.Unlock()

	if after == nil {
		return
	}
	if err := after(); err != nil {
		slog.Warn("Browser control request failed", "sessionID", id, "type", msg.Type, "error", err)
		s.mu.Lock()
		s.sendToBrowserLocked(browserID, marshalFrame(MsgError, map[string]any{
			"message":   err.Error(),
			"requestOf": msg.Type,
		}))
		s.mu.Unlock()
	}
}

// forwardUserMessageLocked sends a user turn to the agent, queueing it if the
// agent has not connected yet, and records it for other browsers.
func (s *Session) forwardUserMessageLocked(msg BrowserMessage, browserID string) {
	if len(msg.Content) == 0 {
		s.sendToBrowserLocked(browserID, marshalFrame(MsgError, map[string]any{"message": "user_message requires content"}))
		return
	}
	line, err := marshalLine(userMessage{
		Type:      AgentMsgUser,
		Message:   userMessageBody{Role: "user", Content: msg.Content},
		SessionID: s.meta.AgentSessionID,
	})
	if err != nil {
		slog.Error("Marshal user message", "sessionID", s.id, "error", err)
		return
	}
	if err := s.sendToAgentLocked(line); err != nil {
		s.sendToBrowserLocked(browserID, marshalFrame(MsgError, map[string]any{"message": err.Error()}))
		return
	}

	fields := map[string]any{"content": json.RawMessage(msg.Content), "browserId": browserID}
	if msg.ClientMsgID != "" {
		s.processed.add(msg.ClientMsgID)
		fields["client_msg_id"] = msg.ClientMsgID
	}
	s.appendEventLocked(string(BrowserUserMessage), fields)

	if s.agent != nil && (s.state == StateConnected || s.state == StateIdle) {
		s.setStateLocked(StateRunning)
	}
}
