package agentproc

import (
	"bytes"
	"log/slog"
	"sync"
)

// DefaultOutputTailBytes is how much recent agent output is retained per process.
const DefaultOutputTailBytes = 8192

// maxLoggedLine caps a single logged output line.
const maxLoggedLine = 2048

// tailBuffer keeps the most recent bytes written to it. The agent normally
// speaks over its WebSocket, so stdout/stderr only carry diagnostics; the tail
// is surfaced in ProcessInfo after an exit.
type tailBuffer struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	start    int
	full     bool
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = DefaultOutputTailBytes
	}
	return &tailBuffer{buf: make([]byte, 0, capacity), capacity: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.capacity {
		t.buf = append(t.buf[:0], p[n-t.capacity:]...)
		t.start = 0
		t.full = true
		return n, nil
	}
	for _, b := range p {
		if !t.full {
			t.buf = append(t.buf, b)
			if len(t.buf) == t.capacity {
				t.full = true
			}
			continue
		}
		t.buf[t.start] = b
		t.start = (t.start + 1) % t.capacity
	}
	return n, nil
}

// String returns the buffered bytes oldest first.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full || t.start == 0 {
		return string(t.buf)
	}
	out := make([]byte, 0, t.capacity)
	out = append(out, t.buf[t.start:]...)
	out = append(out, t.buf[:t.start]...)
	return string(out)
}

// outputSink receives raw agent output, logs it line by line at debug level
// and feeds the tail buffer.
type outputSink struct {
	sessionID string
	tail      *tailBuffer

	mu      sync.Mutex
	pending []byte
}

func newOutputSink(sessionID string, tail *tailBuffer) *outputSink {
	return &outputSink{sessionID: sessionID, tail: tail}
}

func (s *outputSink) Write(p []byte) (int, error) {
	_, _ = s.tail.Write(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, p...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		s.logLine(s.pending[:idx])
		s.pending = s.pending[idx+1:]
	}
	if len(s.pending) > maxLoggedLine {
		s.logLine(s.pending)
		s.pending = s.pending[:0]
	}
	return len(p), nil
}

func (s *outputSink) logLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	if len(line) > maxLoggedLine {
		line = line[:maxLoggedLine]
	}
	slog.Debug("Agent output", "sessionID", s.sessionID, "line", string(line))
}
