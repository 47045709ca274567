package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport records every frame it is asked to send.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.failSend {
		return errors.New("send failed")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// decoded returns every frame as a JSON object. Agent frames are NDJSON
// lines, so trailing newlines are trimmed first.
func (f *fakeTransport) decoded(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	frames := append([][]byte(nil), f.frames...)
	f.mu.Unlock()

	out := make([]map[string]any, 0, len(frames))
	for _, frame := range frames {
		var m map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(frame), &m); err != nil {
			t.Fatalf("frame is not JSON: %v (%s)", err, frame)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) ofType(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.decoded(t) {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) last(t *testing.T) map[string]any {
	t.Helper()
	frames := f.decoded(t)
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	return frames[len(frames)-1]
}

// fakeProcs stands in for the agent process manager.
type fakeProcs struct {
	mu             sync.Mutex
	connected      []string
	agentSessionID map[string]string
	killed         []string
	tracked        bool
	exitCode       int
	bridge         *Bridge
}

func (p *fakeProcs) MarkConnected(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = append(p.connected, id)
	return nil
}

func (p *fakeProcs) SetAgentSessionID(id, agentSessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentSessionID[id] = agentSessionID
	return nil
}

func (p *fakeProcs) Kill(_ context.Context, id string) bool {
	p.mu.Lock()
	p.killed = append(p.killed, id)
	tracked, code, b := p.tracked, p.exitCode, p.bridge
	p.mu.Unlock()
	if tracked && b != nil {
		b.HandleProcessExit(id, code)
	}
	return tracked
}

func (p *fakeProcs) Forget(string) {}

func (p *fakeProcs) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.killed)
}

func (p *fakeProcs) agentSession(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentSessionID[id]
}

// fakeStore records persisted metadata.
type fakeStore struct {
	mu       sync.Mutex
	agentIDs map[string]string
	models   map[string]string
	exits    map[string]int
	lastSeqs map[string]uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agentIDs: map[string]string{},
		models:   map[string]string{},
		exits:    map[string]int{},
		lastSeqs: map[string]uint64{},
	}
}

func (s *fakeStore) SetAgentSessionID(id, agentSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentIDs[id] = agentSessionID
	return nil
}

func (s *fakeStore) UpdateSettings(id, model, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[id] = model
	return nil
}

func (s *fakeStore) RecordExit(id string, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits[id] = code
	return nil
}

func (s *fakeStore) RecordLastSeq(id string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSeqs[id] {
		s.lastSeqs[id] = seq
	}
	return nil
}

func (s *fakeStore) LastSeq(id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeqs[id], nil
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeProcs, *fakeStore) {
	t.Helper()
	procs := &fakeProcs{agentSessionID: map[string]string{}, tracked: true, exitCode: 143}
	store := newFakeStore()
	b := New(cfg, procs, store)
	procs.bridge = b
	t.Cleanup(b.CloseAll)
	return b, procs, store
}

func launchWithAgent(t *testing.T, b *Bridge, id string) *fakeTransport {
	t.Helper()
	if err := b.PrepareLaunch(id, SessionMeta{Model: "sonnet"}); err != nil {
		t.Fatalf("PrepareLaunch: %v", err)
	}
	agent := &fakeTransport{}
	if err := b.AttachAgent(id, agent); err != nil {
		t.Fatalf("AttachAgent: %v", err)
	}
	return agent
}

func attachBrowser(t *testing.T, b *Bridge, id, browserID string, lastSeq uint64) *fakeTransport {
	t.Helper()
	browser := &fakeTransport{}
	if err := b.AttachBrowser(id, browserID, browser, lastSeq); err != nil {
		t.Fatalf("AttachBrowser: %v", err)
	}
	return browser
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustState(t *testing.T, b *Bridge, id string, want State) {
	t.Helper()
	snap, err := b.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != want {
		t.Fatalf("state = %s, want %s", snap.State, want)
	}
}

func seqOf(m map[string]any) uint64 {
	f, _ := m["seq"].(float64)
	return uint64(f)
}
