package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cobrowse/internal/logging"
)

// Watcher reloads a config file when it changes on disk. The directory is
// watched rather than the file so editors that replace files are seen.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onChange    func(*Config)
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher calling onChange with every valid reload.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Watcher{
		watcher:     w,
		path:        abs,
		onChange:    onChange,
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. It does not block.
func (cw *Watcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.running {
		cw.mu.Unlock()
		return nil
	}
	cw.running = true
	cw.mu.Unlock()

	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}
	logging.ConfigInfo("watching %s", cw.path)
	go cw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (cw *Watcher) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.stopCh)
	<-cw.doneCh
	if err := cw.watcher.Close(); err != nil {
		logging.ConfigWarn("closing config watcher: %v", err)
	}
}

func (cw *Watcher) run(ctx context.Context) {
	defer close(cw.doneCh)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(cw.debounceDur)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("config watcher error: %v", err)
		case <-pending:
			pending = nil
			cw.reload()
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		logging.ConfigWarn("reload %s: %v", cw.path, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.ConfigWarn("reload %s rejected: %v", cw.path, err)
		return
	}
	logging.ConfigInfo("reloaded %s", cw.path)
	cw.onChange(cfg)
}

// Watch starts a Watcher for path; it stops when ctx is done or Stop is
// called.
func Watch(ctx context.Context, path string, onChange func(*Config)) (*Watcher, error) {
	w, err := NewWatcher(path, onChange)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.watcher.Close()
		return nil, err
	}
	return w, nil
}
