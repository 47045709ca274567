package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/session-bridge/internal/agentproc"
	"github.com/workspace/session-bridge/internal/metrics"
)

var emptyObject = json.RawMessage(`{}`)

// SendControlRequest sends a control_request to the session's agent under a
// fresh request id. When onResponse is nil the request is fire-and-forget
// and no pending entry is kept. request must carry a "subtype" key.
func (b *Bridge) SendControlRequest(id string, request map[string]any, onResponse ControlHandler) (string, error) {
	s, err := b.session(id)
	if err != nil {
		return "", err
	}
	subtype, _ := request["subtype"].(string)
	if subtype == "" {
		return "", fmt.Errorf("control request has no subtype")
	}

	requestID := uuid.NewString()
	line, err := marshalLine(controlRequest{Type: AgentMsgControlRequest, RequestID: requestID, Request: request})
	if err != nil {
		return "", fmt.Errorf("marshal control request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExited {
		return "", fmt.Errorf("%w: %s", ErrSessionExited, id)
	}
	if onResponse != nil {
		s.controls.add(requestID, &pendingControl{subtype: subtype, resolve: onResponse, sentAt: time.Now()})
	}
	if err := s.sendToAgentLocked(line); err != nil {
		if onResponse != nil {
			s.controls.take(requestID)
		}
		metrics.ControlRequests.WithLabelValues(subtype, "send_failed").Inc()
		return "", fmt.Errorf("send %s: %w", subtype, err)
	}
	metrics.ControlRequests.WithLabelValues(subtype, "sent").Inc()
	slog.Debug("Control request sent", "sessionID", id, "subtype", subtype, "requestID", requestID, "awaiting", onResponse != nil)
	return requestID, nil
}

// handleAgentControlResponseLocked decodes a control_response from the agent
// and resolves the pending entry it names.
func (b *Bridge) handleAgentControlResponseLocked(s *Session, raw json.RawMessage) []func() {
	var resp controlResponsePayload
	if err := json.Unmarshal(raw, &resp); err != nil || resp.RequestID == "" {
		slog.Warn("Dropping malformed control response", "sessionID", s.id, "error", err)
		return nil
	}
	if fn := s.handleControlResponseLocked(resp, b.controlWarning(s)); fn != nil {
		return []func(){fn}
	}
	return nil
}

// handleControlResponseLocked removes the pending control entry for resp and
// returns the callback to run once the lock is released: the resolver on
// success, onWarn on error. Unknown or already-settled ids return nil.
func (s *Session) handleControlResponseLocked(resp controlResponsePayload, onWarn WarnFunc) func() {
	pending, ok := s.controls.take(resp.RequestID)
	if !ok {
		slog.Debug("Ignoring control response for unknown request", "sessionID", s.id, "requestID", resp.RequestID)
		return nil
	}

	if resp.Subtype == controlSubtypeError {
		metrics.ControlRequests.WithLabelValues(pending.subtype, "error").Inc()
		subtype, errText := pending.subtype, resp.Error
		return func() { onWarn(subtype, errText) }
	}

	metrics.ControlRequests.WithLabelValues(pending.subtype, "success").Inc()
	payload := resp.Response
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = emptyObject
	}
	slog.Debug("Control request resolved", "sessionID", s.id, "subtype", pending.subtype, "latency", time.Since(pending.sentAt))
	resolve := pending.resolve
	return func() { resolve(payload, nil) }
}

// controlWarning logs an agent-side control failure and tells browsers.
func (b *Bridge) controlWarning(s *Session) WarnFunc {
	return func(subtype, errText string) {
		slog.Warn("Agent rejected control request", "sessionID", s.id, "subtype", subtype, "error", errText)
		s.mu.Lock()
		s.broadcastLocked(marshalFrame(MsgControlError, map[string]any{
			"subtype": subtype,
			"error":   errText,
		}))
		s.mu.Unlock()
	}
}

// Interrupt asks the agent to abort its current turn. No response is awaited.
func (b *Bridge) Interrupt(id string) error {
	_, err := b.SendControlRequest(id, map[string]any{"subtype": ControlInterrupt}, nil)
	return err
}

// SetModel asks the agent to switch models and records the change once the
// agent confirms it.
func (b *Bridge) SetModel(id, model string) error {
	if model == "" {
		return fmt.Errorf("model is required")
	}
	_, err := b.SendControlRequest(id, map[string]any{"subtype": ControlSetModel, "model": model},
		func(_ json.RawMessage, err error) {
			if err != nil {
				return
			}
			b.applySettings(id, func(m *SessionMeta) { m.Model = model }, map[string]any{"model": model})
		})
	return err
}

// SetPermissionMode asks the agent to change how tool use is approved.
func (b *Bridge) SetPermissionMode(id, mode string) error {
	if !agentproc.ValidPermissionMode(mode) {
		return fmt.Errorf("unsupported permission mode %q", mode)
	}
	_, err := b.SendControlRequest(id, map[string]any{"subtype": ControlSetPermissionMode, "mode": mode},
		func(_ json.RawMessage, err error) {
			if err != nil {
				return
			}
			b.applySettings(id, func(m *SessionMeta) { m.PermissionMode = mode }, map[string]any{"permissionMode": mode})
		})
	return err
}

func (b *Bridge) applySettings(id string, mutate func(*SessionMeta), fields map[string]any) {
	s, err := b.session(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	mutate(&s.meta)
	model, mode := s.meta.Model, s.meta.PermissionMode
	s.appendEventLocked(MsgSessionUpdate, fields)
	s.mu.Unlock()

	if b.store != nil {
		if err := b.store.UpdateSettings(id, model, mode); err != nil {
			slog.Warn("Failed to persist session settings", "sessionID", id, "error", err)
		}
	}
}
