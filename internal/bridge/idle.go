package bridge

import (
	"context"
	"log/slog"
	"time"
)

// armSuspendLocked starts the auto-suspend timer for a session nobody is
// watching. The timer is cancelled when a browser attaches.
func (b *Bridge) armSuspendLocked(s *Session) {
	timeout := b.cfg.IdleSuspendTimeout
	if timeout <= 0 || s.suspendTimer != nil || len(s.browsers) > 0 || s.state == StateExited || s.removed {
		return
	}
	s.suspendTimer = time.AfterFunc(timeout, func() { b.autoSuspend(s) })
	slog.Info("Auto-suspend timer started", "sessionID", s.id, "timeout", timeout)
}

// autoSuspend re-checks the session when the timer fires and stops the agent
// if it is still unwatched and not mid-turn. The session stays dormant and
// can be relaunched with its resume token.
func (b *Bridge) autoSuspend(s *Session) {
	s.mu.Lock()
	s.suspendTimer = nil
	if s.removed || len(s.browsers) > 0 || s.state == StateExited {
		s.mu.Unlock()
		return
	}
	if s.state == StateRunning {
		b.armSuspendLocked(s)
		s.mu.Unlock()
		slog.Info("Auto-suspend deferred (turn in progress)", "sessionID", s.id)
		return
	}
	s.mu.Unlock()

	slog.Info("Auto-suspending idle unwatched session", "sessionID", s.id)
	ctx, cancel := context.WithTimeout(context.Background(), suspendKillTimeout)
	defer cancel()
	if err := b.Kill(ctx, s.id); err != nil {
		slog.Warn("Auto-suspend failed", "sessionID", s.id, "error", err)
	}
}
