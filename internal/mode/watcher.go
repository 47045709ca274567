package mode

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay between the last file event and the
// reload it triggers.
const DebounceDelay = 100 * time.Millisecond

// Watcher reloads the manifest file when it changes on disk and hands the
// result to a callback. A removed manifest is reported as nil. A manifest
// that fails to parse is logged and the previous one stays in effect.
//
// The parent directory is watched rather than the file so that editors which
// save by rename keep triggering reloads.
type Watcher struct {
	path     string
	onChange func(*Manifest)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	debounceDelay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher starts watching path. Close must be called to release the
// underlying watch.
func NewWatcher(path string, onChange func(*Manifest), logger *slog.Logger) (*Watcher, error) {
	return newWatcher(path, onChange, logger, DebounceDelay)
}

func newWatcher(path string, onChange func(*Manifest), logger *slog.Logger, delay time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:          abs,
		onChange:      onChange,
		watcher:       fw,
		logger:        logger,
		debounceDelay: delay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go w.eventLoop()
	return w, nil
}

// Close stops the watcher. Pending reloads are cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Mode manifest watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.logger.Debug("Mode manifest changed", "path", w.path, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	m, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Mode manifest reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	if m == nil {
		w.logger.Info("Mode manifest removed", "path", w.path)
	} else {
		w.logger.Info("Mode manifest reloaded", "path", w.path, "model", m.Agent.Model, "permissionMode", m.Agent.PermissionMode)
	}
	w.onChange(m)
}
