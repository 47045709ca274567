package bridge

import (
	"encoding/json"
	"log/slog"

	"github.com/workspace/session-bridge/internal/metrics"
)

// HandleAgentData routes one frame received from the agent transport. A frame
// may carry several newline-separated JSON objects; malformed lines are
// dropped and the rest of the frame is still processed.
func (b *Bridge) HandleAgentData(id string, data []byte) {
	s, err := b.session(id)
	if err != nil {
		slog.Warn("Agent data for unknown session", "sessionID", id)
		return
	}

	var after []func()
	s.mu.Lock()
	for _, line := range splitLines(data) {
		after = append(after, b.routeAgentLineLocked(s, line)...)
	}
	s.mu.Unlock()
	runAll(after)
}

func (b *Bridge) routeAgentLineLocked(s *Session, line []byte) []func() {
	var env agentEnvelope
	if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
		metrics.MalformedAgentLines.Inc()
		slog.Warn("Dropping malformed agent line", "sessionID", s.id, "error", err, "bytes", len(line))
		return nil
	}

	switch env.Type {
	case AgentMsgKeepAlive:
		return nil
	case AgentMsgControlResp:
		return b.handleAgentControlResponseLocked(s, env.Response)
	case AgentMsgControlRequest:
		b.handleAgentControlRequestLocked(s, env)
		return nil
	case AgentMsgControlCancel:
		s.cancelPermissionLocked(env.RequestID, "cancelled by agent")
		return nil
	}

	var after []func()
	switch env.Type {
	case AgentMsgSystem:
		if env.Subtype == agentSubtypeInit {
			after = append(after, b.recordInitLocked(s, env)...)
		}
	case AgentMsgAssistant, AgentMsgStreamEvent:
		if s.state == StateConnected || s.state == StateIdle {
			s.setStateLocked(StateRunning)
		}
	}

	s.appendAgentEventLocked(line)

	if env.Type == AgentMsgResult && (s.state == StateRunning || s.state == StateConnected) {
		s.setStateLocked(StateIdle)
	}
	return after
}

// recordInitLocked captures the agent's session id and effective settings
// from its init message. Persistence runs after the lock is released.
func (b *Bridge) recordInitLocked(s *Session, env agentEnvelope) []func() {
	if env.Model != "" {
		s.meta.Model = env.Model
	}
	if env.PermissionMode != "" {
		s.meta.PermissionMode = env.PermissionMode
	}
	if env.SessionID == "" || env.SessionID == s.meta.AgentSessionID {
		return nil
	}
	s.meta.AgentSessionID = env.SessionID
	id, agentSessionID := s.id, env.SessionID
	slog.Info("Agent session id recorded", "sessionID", id, "agentSessionID", agentSessionID)

	return []func(){func() {
		if err := b.procs.SetAgentSessionID(id, agentSessionID); err != nil {
			slog.Warn("Failed to record agent session id", "sessionID", id, "error", err)
		}
		if b.store != nil {
			if err := b.store.SetAgentSessionID(id, agentSessionID); err != nil {
				slog.Warn("Failed to persist agent session id", "sessionID", id, "error", err)
			}
		}
	}}
}

// handleAgentControlRequestLocked answers requests the agent initiates. Tool
// permission prompts go to browsers; anything else gets an empty success so
// the agent is never left waiting.
func (b *Bridge) handleAgentControlRequestLocked(s *Session, env agentEnvelope) {
	var inner canUseToolRequest
	if err := json.Unmarshal(env.Request, &inner); err != nil {
		slog.Warn("Malformed agent control request", "sessionID", s.id, "requestID", env.RequestID, "error", err)
		s.replyControlLocked(env.RequestID, nil, "malformed control request")
		return
	}

	switch inner.Subtype {
	case ControlCanUseTool:
		s.openPermissionLocked(env.RequestID, inner)
	default:
		slog.Info("Unsupported agent control request", "sessionID", s.id, "subtype", inner.Subtype, "requestID", env.RequestID)
		s.replyControlLocked(env.RequestID, nil, "")
	}
}

// replyControlLocked sends a control_response to the agent. A non-empty
// errText produces an error response.
func (s *Session) replyControlLocked(requestID string, response json.RawMessage, errText string) {
	payload := controlResponsePayload{Subtype: controlSubtypeSuccess, RequestID: requestID, Response: response}
	if errText != "" {
		payload = controlResponsePayload{Subtype: controlSubtypeError, RequestID: requestID, Error: errText}
	}
	line, err := marshalLine(controlResponse{Type: AgentMsgControlResp, Response: payload})
	if err != nil {
		slog.Error("Marshal control response", "sessionID", s.id, "error", err)
		return
	}
	if err := s.sendToAgentLocked(line); err != nil {
		slog.Warn("Failed to answer agent control request", "sessionID", s.id, "requestID", requestID, "error", err)
	}
}
