package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is invoked after a watched file changes. Handlers run on the
// watcher goroutine; they must be quick and must not block.
type ReloadHandler func(path string) error

// Watcher hot-reloads configuration collaborators (rate-limit defaults,
// policy bundles) when their files change on disk. Full config reloads still
// require a restart; only registered suffixes are re-applied live.
type Watcher struct {
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	handlers map[string][]ReloadHandler // keyed by file suffix, e.g. ".rego"

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	debounce time.Duration
}

// NewWatcher creates a watcher over the given directories. Directories that
// do not exist are skipped with a warning.
func NewWatcher(logger *zap.Logger, dirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		logger:   logger,
		watcher:  fw,
		handlers: make(map[string][]ReloadHandler),
		stopCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := fw.Add(d); err != nil {
			logger.Warn("Config watch skipped", zap.String("dir", d), zap.Error(err))
		}
	}
	return w, nil
}

// OnSuffix registers a handler for files ending in suffix (".yaml", ".rego").
func (w *Watcher) OnSuffix(suffix string, h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[suffix] = append(w.handlers[suffix], h)
}

// Start begins delivering change events until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	// Editors produce bursts of events per save; collapse them per path.
	pending := make(map[string]time.Time)
	tick := time.NewTicker(w.debounce)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case now := <-tick.C:
			for path, at := range pending {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(pending, path)
				w.dispatch(path)
			}
		}
	}
}

func (w *Watcher) dispatch(path string) {
	ext := filepath.Ext(path)
	base := filepath.Base(path)

	w.mu.Lock()
	var hs []ReloadHandler
	for suffix, list := range w.handlers {
		if strings.HasSuffix(base, suffix) || ext == suffix {
			hs = append(hs, list...)
		}
	}
	w.mu.Unlock()

	for _, h := range hs {
		if err := h(path); err != nil {
			w.logger.Warn("Reload handler failed", zap.String("path", path), zap.Error(err))
			continue
		}
		w.logger.Info("Configuration reloaded", zap.String("path", path))
	}
}

// Stop terminates the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return w.watcher.Close()
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.started = false
	return w.watcher.Close()
}
