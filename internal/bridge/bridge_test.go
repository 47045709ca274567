package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPrepareLaunch_RejectsLiveAndRevivesExited(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")

	if err := b.PrepareLaunch("s1", SessionMeta{}); !errors.Is(err, ErrSessionLive) {
		t.Fatalf("PrepareLaunch on live session = %v, want ErrSessionLive", err)
	}

	b.HandleAgentData("s1", []byte(`{"type":"system","subtype":"init","session_id":"agent-old"}`))
	b.HandleProcessExit("s1", 0)
	before, _ := b.Snapshot("s1")

	if err := b.PrepareLaunch("s1", SessionMeta{Cwd: "/tmp", AgentSessionID: "agent-abc"}); err != nil {
		t.Fatalf("PrepareLaunch after exit: %v", err)
	}
	after, _ := b.Snapshot("s1")
	if after.State != StateStarting {
		t.Fatalf("revived state = %s, want starting", after.State)
	}
	if after.AgentSessionID != "agent-abc" {
		t.Fatalf("revived AgentSessionID = %q, want agent-abc", after.AgentSessionID)
	}
	if after.LastSeq <= before.LastSeq {
		t.Fatalf("LastSeq %d should continue past %d", after.LastSeq, before.LastSeq)
	}
	if after.ExitCode != nil {
		t.Fatalf("ExitCode = %v, want cleared", *after.ExitCode)
	}
}

func TestStateMachine_TurnLifecycle(t *testing.T) {
	t.Parallel()

	b, procs, _ := newTestBridge(t, Config{})
	if err := b.PrepareLaunch("s1", SessionMeta{}); err != nil {
		t.Fatalf("PrepareLaunch: %v", err)
	}
	mustState(t, b, "s1", StateStarting)

	agent := &fakeTransport{}
	if err := b.AttachAgent("s1", agent); err != nil {
		t.Fatalf("AttachAgent: %v", err)
	}
	mustState(t, b, "s1", StateConnected)
	if len(procs.connected) != 1 {
		t.Fatalf("MarkConnected calls = %d, want 1", len(procs.connected))
	}

	b.HandleAgentData("s1", []byte(`{"type":"assistant","message":{"content":[]}}`))
	mustState(t, b, "s1", StateRunning)

	b.HandleAgentData("s1", []byte(`{"type":"result","subtype":"success"}`))
	mustState(t, b, "s1", StateIdle)

	attachBrowser(t, b, "s1", "b1", 0)
	b.HandleBrowserMessage("s1", "b1", []byte(`{"type":"user_message","content":"next"}`))
	mustState(t, b, "s1", StateRunning)

	b.HandleProcessExit("s1", 1)
	mustState(t, b, "s1", StateExited)
	snap, _ := b.Snapshot("s1")
	if snap.ExitCode == nil || *snap.ExitCode != 1 {
		t.Fatalf("ExitCode = %v, want 1", snap.ExitCode)
	}
	if !agent.isClosed() {
		t.Fatal("agent transport should be closed on process exit")
	}
}

func TestAttachAgent_ReplacesPreviousConnection(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	first := launchWithAgent(t, b, "s1")

	second := &fakeTransport{}
	if err := b.AttachAgent("s1", second); err != nil {
		t.Fatalf("AttachAgent: %v", err)
	}
	if !first.isClosed() {
		t.Fatal("replaced agent transport should be closed")
	}

	// A late detach of the old transport must not clear the new one.
	b.DetachAgent("s1", first)
	snap, _ := b.Snapshot("s1")
	if !snap.AgentConnected {
		t.Fatal("stale detach cleared the current agent")
	}

	if err := b.Interrupt("s1"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if first.count() != 0 {
		t.Fatalf("old transport received %d frames", first.count())
	}
	if second.count() != 1 {
		t.Fatalf("new transport received %d frames, want 1", second.count())
	}
}

func TestAttachAgent_ExitedSessionRejected(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")
	b.HandleProcessExit("s1", 0)

	if err := b.AttachAgent("s1", &fakeTransport{}); !errors.Is(err, ErrSessionExited) {
		t.Fatalf("AttachAgent after exit = %v, want ErrSessionExited", err)
	}
	if err := b.AttachAgent("missing", &fakeTransport{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("AttachAgent(missing) = %v, want ErrSessionNotFound", err)
	}
}

func TestDetachAgent_KeepsPendingEntries(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	agent := launchWithAgent(t, b, "s1")
	if _, err := b.SendControlRequest("s1", map[string]any{"subtype": "mcp_status"}, func(json.RawMessage, error) {}); err != nil {
		t.Fatalf("SendControlRequest: %v", err)
	}

	b.DetachAgent("s1", agent)
	snap, _ := b.Snapshot("s1")
	if snap.AgentConnected {
		t.Fatal("agent should be detached")
	}
	if snap.PendingControls != 1 {
		t.Fatalf("PendingControls = %d, want 1 after transport loss", snap.PendingControls)
	}
	if snap.State != StateConnected {
		t.Fatalf("state = %s, transport loss alone must not change state", snap.State)
	}
}

func TestUserMessage_QueuedUntilAgentConnects(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	if err := b.PrepareLaunch("s1", SessionMeta{}); err != nil {
		t.Fatalf("PrepareLaunch: %v", err)
	}
	attachBrowser(t, b, "s1", "b1", 0)
	b.HandleBrowserMessage("s1", "b1", []byte(`{"type":"user_message","content":"hello","client_msg_id":"m1"}`))
	mustState(t, b, "s1", StateStarting)

	agent := &fakeTransport{}
	if err := b.AttachAgent("s1", agent); err != nil {
		t.Fatalf("AttachAgent: %v", err)
	}
	frames := agent.decoded(t)
	if len(frames) != 1 {
		t.Fatalf("agent received %d frames, want 1 flushed user message", len(frames))
	}
	if frames[0]["type"] != "user" {
		t.Fatalf("flushed frame type = %v, want user", frames[0]["type"])
	}
	msg := frames[0]["message"].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "hello" {
		t.Fatalf("flushed message = %v", msg)
	}
}

func TestUserMessage_OutboxBounded(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{PendingAgentMessages: 1})
	if err := b.PrepareLaunch("s1", SessionMeta{}); err != nil {
		t.Fatalf("PrepareLaunch: %v", err)
	}
	browser := attachBrowser(t, b, "s1", "b1", 0)
	b.HandleBrowserMessage("s1", "b1", []byte(`{"type":"user_message","content":"one"}`))
	b.HandleBrowserMessage("s1", "b1", []byte(`{"type":"user_message","content":"two"}`))

	errs := browser.ofType(t, MsgError)
	if len(errs) != 1 || !strings.Contains(errs[0]["message"].(string), ErrAgentNotConnected.Error()) {
		t.Fatalf("error frames = %v, want one agent-not-connected error", errs)
	}
}

func TestUserMessage_ExitedSessionReportsError(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")
	browser := attachBrowser(t, b, "s1", "b1", 0)
	b.HandleProcessExit("s1", 0)

	b.HandleBrowserMessage("s1", "b1", []byte(`{"type":"user_message","content":"late"}`))
	if len(browser.ofType(t, MsgError)) != 1 {
		t.Fatal("expected an error frame for a message to an exited session")
	}
}

func TestUserMessage_RetryAfterFailedDeliveryIsForwarded(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	agent1 := launchWithAgent(t, b, "s1")
	browser := attachBrowser(t, b, "s1", "b1", 0)
	b.HandleProcessExit("s1", 143)

	frame := []byte(`{"type":"user_message","content":"hello","client_msg_id":"m1"}`)
	b.HandleBrowserMessage("s1", "b1", frame)
	if len(browser.ofType(t, MsgError)) != 1 {
		t.Fatal("expected an error frame for the undelivered message")
	}

	if err := b.PrepareLaunch("s1", SessionMeta{}); err != nil {
		t.Fatalf("PrepareLaunch: %v", err)
	}
	agent2 := &fakeTransport{}
	if err := b.AttachAgent("s1", agent2); err != nil {
		t.Fatalf("AttachAgent: %v", err)
	}

	b.HandleBrowserMessage("s1", "b1", frame)
	if got := len(agent2.ofType(t, "user")); got != 1 {
		t.Fatalf("relaunched agent received %d user frames, want 1", got)
	}
	if got := len(agent1.ofType(t, "user")); got != 0 {
		t.Fatalf("exited agent received %d user frames", got)
	}

	b.HandleBrowserMessage("s1", "b1", frame)
	if got := len(agent2.ofType(t, "user")); got != 1 {
		t.Fatalf("delivered message forwarded again: %d user frames", got)
	}
}

func TestUserMessage_RetryAfterOutboxOverflow(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{PendingAgentMessages: 1})
	if err := b.PrepareLaunch("s1", SessionMeta{}); err != nil {
		t.Fatalf("PrepareLaunch: %v", err)
	}
	attachBrowser(t, b, "s1", "b1", 0)
	b.HandleBrowserMessage("s1", "b1", []byte(`{"type":"user_message","content":"one","client_msg_id":"m1"}`))
	overflow := []byte(`{"type":"user_message","content":"two","client_msg_id":"m2"}`)
	b.HandleBrowserMessage("s1", "b1", overflow)

	agent := &fakeTransport{}
	if err := b.AttachAgent("s1", agent); err != nil {
		t.Fatalf("AttachAgent: %v", err)
	}
	b.HandleBrowserMessage("s1", "b1", overflow)

	users := agent.ofType(t, "user")
	if len(users) != 2 {
		t.Fatalf("agent received %d user frames, want 2", len(users))
	}
	if msg := users[1]["message"].(map[string]any); msg["content"] != "two" {
		t.Fatalf("retried content = %v, want two", msg["content"])
	}
}

func TestAgentData_MalformedLineDroppedOthersProcessed(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")
	browser := attachBrowser(t, b, "s1", "b1", 0)

	frame := "{\"type\":\"assistant\",\"n\":1}\nnot json at all\n{\"type\":\"assistant\",\"n\":2}\n\n"
	b.HandleAgentData("s1", []byte(frame))

	events := browser.ofType(t, MsgAgentEvent)
	if len(events) != 2 {
		t.Fatalf("agent events = %d, want 2", len(events))
	}
	for i, ev := range events {
		inner := ev["event"].(map[string]any)
		if inner["n"] != float64(i+1) {
			t.Fatalf("event %d = %v, out of order", i, inner)
		}
	}
}

func TestAgentData_KeepAliveNotForwarded(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")
	before, _ := b.Snapshot("s1")
	b.HandleAgentData("s1", []byte(`{"type":"keep_alive"}`))
	after, _ := b.Snapshot("s1")
	if after.LastSeq != before.LastSeq {
		t.Fatalf("keep_alive was sequenced: %d -> %d", before.LastSeq, after.LastSeq)
	}
}

func TestAgentInit_RecordsAgentSessionID(t *testing.T) {
	t.Parallel()

	b, procs, store := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")
	b.HandleAgentData("s1", []byte(`{"type":"system","subtype":"init","session_id":"agent-xyz","model":"opus","permissionMode":"plan"}`))

	snap, _ := b.Snapshot("s1")
	if snap.AgentSessionID != "agent-xyz" || snap.Model != "opus" || snap.PermissionMode != "plan" {
		t.Fatalf("snapshot meta = %+v", snap.SessionMeta)
	}
	if got := procs.agentSession("s1"); got != "agent-xyz" {
		t.Fatalf("process manager agent session = %q", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.agentIDs["s1"] != "agent-xyz" {
		t.Fatalf("store agent session = %q", store.agentIDs["s1"])
	}
}

func TestUserMessage_CarriesAgentSessionID(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	agent := launchWithAgent(t, b, "s1")
	b.HandleAgentData("s1", []byte(`{"type":"system","subtype":"init","session_id":"agent-xyz"}`))
	attachBrowser(t, b, "s1", "b1", 0)
	b.HandleBrowserMessage("s1", "b1", []byte(`{"type":"user_message","content":[{"type":"text","text":"hi"}]}`))

	last := agent.last(t)
	if last["session_id"] != "agent-xyz" {
		t.Fatalf("session_id = %v, want agent-xyz", last["session_id"])
	}
	if _, ok := last["parent_tool_use_id"]; !ok {
		t.Fatal("parent_tool_use_id should be present as null")
	}
}

func TestKill_RejectsPendingAndMarksExited(t *testing.T) {
	t.Parallel()

	b, procs, store := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")

	rejected := make(chan error, 1)
	if _, err := b.SendControlRequest("s1", map[string]any{"subtype": "mcp_status"}, func(_ json.RawMessage, err error) {
		rejected <- err
	}); err != nil {
		t.Fatalf("SendControlRequest: %v", err)
	}

	if err := b.Kill(context.Background(), "s1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if procs.killCount() != 1 {
		t.Fatalf("process kills = %d, want 1", procs.killCount())
	}
	select {
	case err := <-rejected:
		if !errors.Is(err, ErrSessionExited) {
			t.Fatalf("pending control rejected with %v", err)
		}
	default:
		t.Fatal("pending control was not rejected")
	}
	mustState(t, b, "s1", StateExited)

	store.mu.Lock()
	code, ok := store.exits["s1"]
	store.mu.Unlock()
	if !ok || code != 143 {
		t.Fatalf("recorded exit = %d (%v), want 143", code, ok)
	}
}

func TestKill_UntrackedProcessStillExits(t *testing.T) {
	t.Parallel()

	b, procs, _ := newTestBridge(t, Config{})
	procs.tracked = false
	launchWithAgent(t, b, "s1")

	if err := b.Kill(context.Background(), "s1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	mustState(t, b, "s1", StateExited)
}

func TestRemove_ClosesTransportsAndForgetsSession(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	agent := launchWithAgent(t, b, "s1")
	browser := attachBrowser(t, b, "s1", "b1", 0)

	if err := b.Remove(context.Background(), "s1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !agent.isClosed() || !browser.isClosed() {
		t.Fatal("transports should be closed on remove")
	}
	if _, err := b.Snapshot("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Snapshot after remove = %v, want ErrSessionNotFound", err)
	}
	if err := b.Remove(context.Background(), "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Remove = %v, want ErrSessionNotFound", err)
	}
}

func TestAnnounce_IsSequenced(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	launchWithAgent(t, b, "s1")
	browser := attachBrowser(t, b, "s1", "b1", 0)

	if err := b.Announce("s1", MsgNotice, map[string]any{"text": "welcome"}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	notices := browser.ofType(t, MsgNotice)
	if len(notices) != 1 || notices[0]["text"] != "welcome" || seqOf(notices[0]) == 0 {
		t.Fatalf("notices = %v", notices)
	}
}

func TestList_OrdersByCreation(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		if err := b.PrepareLaunch(id, SessionMeta{}); err != nil {
			t.Fatalf("PrepareLaunch %s: %v", id, err)
		}
	}
	list := b.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Fatalf("List not ordered: %v", list)
		}
	}
}

func TestIdleSuspend_KillsUnwatchedSession(t *testing.T) {
	t.Parallel()

	b, procs, _ := newTestBridge(t, Config{IdleSuspendTimeout: 20 * time.Millisecond})
	launchWithAgent(t, b, "s1")
	browser := attachBrowser(t, b, "s1", "b1", 0)

	b.DetachBrowser("s1", "b1", browser)
	waitFor(t, "auto-suspend kill", func() bool { return procs.killCount() == 1 })
	waitFor(t, "exited state", func() bool {
		snap, _ := b.Snapshot("s1")
		return snap.State == StateExited
	})
}

func TestIdleSuspend_CancelledByReattach(t *testing.T) {
	t.Parallel()

	b, procs, _ := newTestBridge(t, Config{IdleSuspendTimeout: 100 * time.Millisecond})
	launchWithAgent(t, b, "s1")
	first := attachBrowser(t, b, "s1", "b1", 0)
	b.DetachBrowser("s1", "b1", first)
	attachBrowser(t, b, "s1", "b2", 0)

	time.Sleep(300 * time.Millisecond)
	if procs.killCount() != 0 {
		t.Fatalf("kills = %d, want 0", procs.killCount())
	}
	mustState(t, b, "s1", StateConnected)
}
