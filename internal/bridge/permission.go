package bridge

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/workspace/session-bridge/internal/metrics"
)

const defaultDenyMessage = "Denied by user"

// openPermissionLocked records a tool permission prompt from the agent and
// publishes it to browsers. The entry stays pending until a browser answers,
// the agent cancels it, or the session is torn down.
func (s *Session) openPermissionLocked(requestID string, req canUseToolRequest) {
	if requestID == "" {
		slog.Warn("Permission request without request id", "sessionID", s.id, "tool", req.ToolName)
		return
	}
	pr := PermissionRequest{
		RequestID:             requestID,
		ToolName:              req.ToolName,
		Input:                 req.Input,
		ToolUseID:             req.ToolUseID,
		PermissionSuggestions: req.PermissionSuggestions,
		BlockedPath:           req.BlockedPath,
		DecisionReason:        req.DecisionReason,
		CreatedAt:             time.Now().UnixMilli(),
	}
	if !s.permissions.add(requestID, pr) {
		slog.Debug("Duplicate permission request ignored", "sessionID", s.id, "requestID", requestID)
		return
	}
	metrics.PermissionRequests.WithLabelValues("requested").Inc()
	slog.Info("Permission requested", "sessionID", s.id, "requestID", requestID, "tool", req.ToolName)
	s.appendEventLocked(MsgPermissionRequest, map[string]any{"request": pr})
}

// resolvePermissionLocked applies the first browser decision for a pending
// prompt and forwards it to the agent. Later decisions for the same id are
// ignored.
func (s *Session) resolvePermissionLocked(msg BrowserMessage, browserID string) {
	pr, ok := s.permissions.take(msg.RequestID)
	if !ok {
		slog.Debug("Permission response for unknown request", "sessionID", s.id, "requestID", msg.RequestID, "browserID", browserID)
		return
	}

	decision := permissionDecision{Behavior: "deny", Message: msg.Message}
	if msg.Behavior == "allow" {
		decision = permissionDecision{
			Behavior:           "allow",
			UpdatedInput:       msg.UpdatedInput,
			UpdatedPermissions: msg.UpdatedPermissions,
		}
		if len(decision.UpdatedInput) == 0 {
			decision.UpdatedInput = pr.Input
		}
		if len(decision.UpdatedInput) == 0 {
			decision.UpdatedInput = emptyObject
		}
	} else if decision.Message == "" {
		decision.Message = defaultDenyMessage
	}

	body, err := json.Marshal(decision)
	if err != nil {
		slog.Error("Marshal permission decision", "sessionID", s.id, "error", err)
		return
	}
	s.replyControlLocked(pr.RequestID, body, "")

	metrics.PermissionRequests.WithLabelValues(decision.Behavior).Inc()
	slog.Info("Permission resolved", "sessionID", s.id, "requestID", pr.RequestID, "tool", pr.ToolName, "behavior", decision.Behavior, "browserID", browserID)
	s.appendEventLocked(MsgPermissionResolved, map[string]any{
		"request_id": pr.RequestID,
		"behavior":   decision.Behavior,
	})
}

// cancelPermissionLocked withdraws a pending prompt, e.g. when the agent
// gives up on it.
func (s *Session) cancelPermissionLocked(requestID, reason string) {
	if _, ok := s.permissions.take(requestID); !ok {
		return
	}
	metrics.PermissionRequests.WithLabelValues("cancelled").Inc()
	s.appendEventLocked(MsgPermissionCancelled, map[string]any{
		"request_id": requestID,
		"reason":     reason,
	})
}

// PendingPermissions returns the prompts awaiting a decision, oldest first.
func (b *Bridge) PendingPermissions(id string) ([]PermissionRequest, error) {
	s, err := b.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions.values(), nil
}
