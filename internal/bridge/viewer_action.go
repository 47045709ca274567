package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/session-bridge/internal/metrics"
)

// ViewerActionError is a failure reported by the browser that handled the action.
type ViewerActionError struct {
	ActionID string
	Message  string
}

func (e *ViewerActionError) Error() string {
	return fmt.Sprintf("viewer action %s failed: %s", e.ActionID, e.Message)
}

// SendViewerActionRequest asks connected browsers to perform actionID and
// blocks until the first browser answers, the timeout elapses, ctx is done,
// or the session is torn down. The request is not sequenced: a browser that
// connects later never sees it.
func (b *Bridge) SendViewerActionRequest(ctx context.Context, id, actionID string, params json.RawMessage) (json.RawMessage, error) {
	s, err := b.session(id)
	if err != nil {
		return nil, err
	}
	if actionID == "" {
		return nil, fmt.Errorf("action id is required")
	}
	if len(params) == 0 {
		params = emptyObject
	}

	requestID := uuid.NewString()
	timeout := b.cfg.ViewerActionTimeout
	pending := &pendingViewerAction{actionID: actionID, done: make(chan viewerActionResult, 1)}

	s.mu.Lock()
	if s.state == StateExited {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExited, id)
	}
	s.viewerActions.add(requestID, pending)
	pending.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		entry, ok := s.viewerActions.take(requestID)
		s.mu.Unlock()
		if ok {
			metrics.ViewerActions.WithLabelValues("timeout").Inc()
			entry.deliver(nil, fmt.Errorf("%w: action %q got no response within %s", ErrViewerActionTimeout, actionID, timeout))
		}
	})
	browsers := len(s.browsers)
	s.broadcastLocked(marshalFrame(MsgViewerActionRequest, map[string]any{
		"request_id": requestID,
		"action_id":  actionID,
		"params":     params,
	}))
	s.mu.Unlock()

	slog.Debug("Viewer action requested", "sessionID", id, "actionID", actionID, "requestID", requestID, "browsers", browsers)

	select {
	case r := <-pending.done:
		return r.result, r.err
	case <-ctx.Done():
		s.mu.Lock()
		if entry, ok := s.viewerActions.take(requestID); ok {
			entry.timer.Stop()
			metrics.ViewerActions.WithLabelValues("cancelled").Inc()
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// resolveViewerActionLocked settles a pending viewer action with a browser's
// answer. Unknown, timed-out, or already-answered ids are ignored.
func (s *Session) resolveViewerActionLocked(requestID string, result json.RawMessage, errText string) {
	entry, ok := s.viewerActions.take(requestID)
	if !ok {
		slog.Debug("Viewer action response for unknown request", "sessionID", s.id, "requestID", requestID)
		return
	}
	entry.timer.Stop()
	if errText != "" {
		metrics.ViewerActions.WithLabelValues("error").Inc()
		entry.deliver(nil, &ViewerActionError{ActionID: entry.actionID, Message: errText})
		return
	}
	metrics.ViewerActions.WithLabelValues("success").Inc()
	entry.deliver(result, nil)
}
