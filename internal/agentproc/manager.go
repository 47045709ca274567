// Package agentproc owns the lifecycle of agent CLI subprocesses: spawning
// them with a callback URL, tracking their state, terminating them with a
// grace period, and notifying listeners when they exit.
package agentproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a tracked agent process.
type State string

const (
	StateStarting  State = "starting"
	StateConnected State = "connected"
	StateExited    State = "exited"
)

// Sentinel exit codes recorded when no ordinary exit status is available.
const (
	// ExitCodeSpawnFailed marks a process whose binary could not be started.
	ExitCodeSpawnFailed = 127
	// ExitCodeForceKilled marks a process that ignored SIGTERM and was killed.
	ExitCodeForceKilled = 137
)

const (
	DefaultKillGracePeriod     = 5 * time.Second
	DefaultResumeFailureWindow = 5 * time.Second
	// waitDelay bounds how long Wait blocks on output pipes held open by
	// grandchildren after the agent itself has exited.
	waitDelay = 2 * time.Second
)

// Permission modes accepted by the agent CLI.
var validPermissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

// ValidPermissionMode reports whether the agent CLI accepts mode.
func ValidPermissionMode(mode string) bool {
	return validPermissionModes[mode]
}

var (
	ErrUnknownSession    = errors.New("agentproc: unknown session")
	ErrAlreadyRunning    = errors.New("agentproc: session already has a live process")
	ErrInvalidTransition = errors.New("agentproc: invalid state transition")
)

// LaunchOptions describes one agent process launch.
type LaunchOptions struct {
	SessionID      string
	CallbackURL    string
	Cwd            string
	Model          string
	PermissionMode string
	// ResumeToken is the agent's own session id from a previous run.
	ResumeToken string
	// AddDirs are extra directories the agent may read, e.g. a skills tree.
	AddDirs []string
	Env     []string
}

// Validate checks the options that can be rejected before spawning.
func (o LaunchOptions) Validate() error {
	if o.SessionID == "" {
		return errors.New("session id is required")
	}
	if o.CallbackURL == "" {
		return errors.New("callback url is required")
	}
	u, err := url.Parse(o.CallbackURL)
	if err != nil {
		return fmt.Errorf("callback url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("callback url must use ws or wss, got %q", u.Scheme)
	}
	if o.Cwd != "" {
		fi, err := os.Stat(o.Cwd)
		if err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("working directory %s is not a directory", o.Cwd)
		}
	}
	if o.PermissionMode != "" && !validPermissionModes[o.PermissionMode] {
		return fmt.Errorf("unsupported permission mode %q", o.PermissionMode)
	}
	return nil
}

// ProcessInfo is a snapshot of a tracked agent process.
type ProcessInfo struct {
	SessionID      string    `json:"sessionId"`
	PID            int       `json:"pid,omitempty"`
	State          State     `json:"state"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	Cwd            string    `json:"cwd,omitempty"`
	Model          string    `json:"model,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExitCode       *int      `json:"exitCode,omitempty"`
	Output         string    `json:"output,omitempty"`
}

// ExitListener is notified once per process after its exit is recorded.
type ExitListener func(sessionID string, exitCode int)

// Config configures a Manager.
type Config struct {
	Binary              string
	ExtraArgs           []string
	UsePTY              bool
	KillGracePeriod     time.Duration
	ResumeFailureWindow time.Duration
	OutputTailBytes     int
	// BuildArgs overrides the argument vector. Defaults to ClaudeArgs.
	BuildArgs func(LaunchOptions) []string
}

type process struct {
	info       ProcessInfo
	cmd        *exec.Cmd
	tty        *os.File
	ttyDrained chan struct{}
	tail       *tailBuffer
	resumed    bool
	startedAt  time.Time
	forced     bool
	exited     chan struct{}
}

// Manager tracks one agent process per session id.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	procs     map[string]*process
	listeners []ExitListener

	lookPath func(string) (string, error)
}

// NewManager creates a Manager with defaults applied.
func NewManager(cfg Config) *Manager {
	if cfg.KillGracePeriod <= 0 {
		cfg.KillGracePeriod = DefaultKillGracePeriod
	}
	if cfg.ResumeFailureWindow <= 0 {
		cfg.ResumeFailureWindow = DefaultResumeFailureWindow
	}
	if cfg.BuildArgs == nil {
		extra := cfg.ExtraArgs
		cfg.BuildArgs = func(o LaunchOptions) []string { return ClaudeArgs(o, extra) }
	}
	return &Manager{
		cfg:      cfg,
		procs:    make(map[string]*process),
		lookPath: exec.LookPath,
	}
}

// ClaudeArgs builds the argument vector for a CLI that speaks the stream-json
// control protocol over a dial-back WebSocket.
func ClaudeArgs(o LaunchOptions, extra []string) []string {
	args := []string{
		"--sdk-url", o.CallbackURL,
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.ResumeToken != "" {
		args = append(args, "--resume", o.ResumeToken)
	}
	for _, dir := range o.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	args = append(args, extra...)
	return append(args, "-p", "")
}

// OnExited registers a listener. Listeners run in registration order.
func (m *Manager) OnExited(fn ExitListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Launch spawns the agent for opts.SessionID. Invalid options return an
// error; a binary that cannot be started yields an exited ProcessInfo with
// ExitCodeSpawnFailed and a normal exit notification.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (ProcessInfo, error) {
	if err := opts.Validate(); err != nil {
		return ProcessInfo{}, fmt.Errorf("launch %s: %w", opts.SessionID, err)
	}

	m.mu.Lock()
	if existing, ok := m.procs[opts.SessionID]; ok && existing.info.State != StateExited {
		m.mu.Unlock()
		return ProcessInfo{}, fmt.Errorf("launch %s: %w", opts.SessionID, ErrAlreadyRunning)
	}

	p := &process{
		info: ProcessInfo{
			SessionID:      opts.SessionID,
			State:          StateStarting,
			AgentSessionID: opts.ResumeToken,
			Cwd:            opts.Cwd,
			Model:          opts.Model,
			PermissionMode: opts.PermissionMode,
			CreatedAt:      time.Now().UTC(),
		},
		tail:      newTailBuffer(m.cfg.OutputTailBytes),
		resumed:   opts.ResumeToken != "",
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	m.procs[opts.SessionID] = p
	m.mu.Unlock()

	if err := m.start(ctx, p, opts); err != nil {
		slog.Error("Agent spawn failed", "sessionID", opts.SessionID, "binary", m.cfg.Binary, "error", err)
		_, _ = p.tail.Write([]byte(err.Error()))
		m.recordExit(p, ExitCodeSpawnFailed)
		return m.snapshot(p), nil
	}

	slog.Info("Agent process started", "sessionID", opts.SessionID, "pid", p.info.PID, "resume", p.resumed, "pty", m.cfg.UsePTY)
	go m.wait(p)
	return m.snapshot(p), nil
}

func (m *Manager) start(ctx context.Context, p *process, opts LaunchOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	binary, err := m.lookPath(m.cfg.Binary)
	if err != nil {
		return fmt.Errorf("resolve agent binary %q: %w", m.cfg.Binary, err)
	}

	// Not bound to ctx: the process outlives the launch request.
	cmd := exec.Command(binary, m.cfg.BuildArgs(opts)...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.WaitDelay = waitDelay

	sink := newOutputSink(opts.SessionID, p.tail)
	if m.cfg.UsePTY {
		tty, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("start agent in pty: %w", err)
		}
		p.tty = tty
		p.ttyDrained = make(chan struct{})
		go func() {
			defer close(p.ttyDrained)
			buf := make([]byte, 4096)
			for {
				n, err := tty.Read(buf)
				if n > 0 {
					_, _ = sink.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
	} else {
		cmd.Stdout = sink
		cmd.Stderr = sink
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start agent: %w", err)
		}
	}

	m.mu.Lock()
	p.cmd = cmd
	p.info.PID = cmd.Process.Pid
	m.mu.Unlock()
	return nil
}

func (m *Manager) wait(p *process) {
	err := p.cmd.Wait()
	if p.tty != nil {
		// The master keeps output buffered after the child exits; read it
		// out before closing so the tail is complete.
		select {
		case <-p.ttyDrained:
		case <-time.After(waitDelay):
		}
		_ = p.tty.Close()
	}

	code := exitCodeOf(p.cmd.ProcessState)
	m.mu.Lock()
	if p.forced {
		code = ExitCodeForceKilled
	}
	m.mu.Unlock()

	slog.Info("Agent process exited", "sessionID", p.info.SessionID, "exitCode", code, "uptime", time.Since(p.startedAt).Round(time.Millisecond), "waitErr", err)
	m.recordExit(p, code)
}

// recordExit finalizes bookkeeping and notifies listeners outside the lock.
func (m *Manager) recordExit(p *process, code int) {
	m.mu.Lock()
	if p.info.State == StateExited {
		m.mu.Unlock()
		return
	}
	p.info.State = StateExited
	p.info.ExitCode = &code
	p.info.Output = p.tail.String()

	uptime := time.Since(p.startedAt)
	if p.resumed && uptime < m.cfg.ResumeFailureWindow {
		slog.Warn("Resumed agent exited rapidly, discarding resume token",
			"sessionID", p.info.SessionID, "agentSessionID", p.info.AgentSessionID, "uptime", uptime.Round(time.Millisecond))
		p.info.AgentSessionID = ""
	}
	listeners := append([]ExitListener(nil), m.listeners...)
	id := p.info.SessionID
	m.mu.Unlock()

	deliver := func() {
		for _, fn := range listeners {
			notifyListener(fn, id, code)
		}
	}
	// Spawn failures are reported from Launch; deliver them after it returns.
	if p.cmd == nil {
		close(p.exited)
		go deliver()
		return
	}
	// Waiters on exited observe a state the listeners have already seen.
	deliver()
	close(p.exited)
}

func notifyListener(fn ExitListener, id string, code int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Exit listener panicked", "sessionID", id, "panic", r)
		}
	}()
	fn(id, code)
}

// MarkConnected records that the agent dialed back. Valid only from starting
// or connected.
func (m *Manager) MarkConnected(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	switch p.info.State {
	case StateStarting, StateConnected:
		p.info.State = StateConnected
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.info.State, StateConnected)
	}
}

// SetAgentSessionID records the agent's internal session id for later resume.
func (m *Manager) SetAgentSessionID(sessionID, agentSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	p.info.AgentSessionID = agentSessionID
	return nil
}

// Kill sends SIGTERM, escalating to SIGKILL after the grace period or when
// ctx is done. It returns false when no process is tracked for sessionID.
func (m *Manager) Kill(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	p, ok := m.procs[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if p.info.State == StateExited || p.cmd == nil {
		m.mu.Unlock()
		return true
	}
	proc := p.cmd.Process
	m.mu.Unlock()

	slog.Info("Terminating agent process", "sessionID", sessionID, "pid", proc.Pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("SIGTERM failed, killing immediately", "sessionID", sessionID, "error", err)
		m.forceKill(p, proc)
		<-p.exited
		return true
	}

	timer := time.NewTimer(m.cfg.KillGracePeriod)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
		slog.Warn("Agent ignored SIGTERM, escalating to SIGKILL", "sessionID", sessionID, "grace", m.cfg.KillGracePeriod)
	case <-ctx.Done():
		slog.Warn("Kill context done, escalating to SIGKILL", "sessionID", sessionID)
	}
	m.forceKill(p, proc)
	<-p.exited
	return true
}

func (m *Manager) forceKill(p *process, proc *os.Process) {
	m.mu.Lock()
	if p.info.State != StateExited {
		p.forced = true
	}
	m.mu.Unlock()
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Error("SIGKILL failed", "sessionID", p.info.SessionID, "error", err)
	}
}

// KillAll kills every tracked live process concurrently and waits for all.
func (m *Manager) KillAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id, p := range m.procs {
		if p.info.State != StateExited {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.Kill(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("All agent processes terminated", "count", len(ids))
}

// Get returns a snapshot of the process tracked for sessionID.
func (m *Manager) Get(sessionID string) (ProcessInfo, bool) {
	m.mu.Lock()
	p, ok := m.procs[sessionID]
	m.mu.Unlock()
	if !ok {
		return ProcessInfo{}, false
	}
	return m.snapshot(p), true
}

// List returns snapshots of all tracked processes ordered by creation time.
func (m *Manager) List() []ProcessInfo {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, m.snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Forget drops the record for an exited process.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[sessionID]; ok && p.info.State == StateExited {
		delete(m.procs, sessionID)
	}
}

// Exited returns a channel closed once the tracked process has exited and
// its exit listeners have returned.
func (m *Manager) Exited(sessionID string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[sessionID]
	if !ok {
		return nil, false
	}
	return p.exited, true
}

func (m *Manager) snapshot(p *process) ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := p.info
	if info.ExitCode != nil {
		code := *info.ExitCode
		info.ExitCode = &code
	}
	return info
}

// exitCodeOf maps a finished process to a shell-style exit code.
func exitCodeOf(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if code := ps.ExitCode(); code >= 0 {
		return code
	}
	if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return -1
}
