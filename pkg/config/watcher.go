package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Logger *slog.Logger
	// Debounce collapses bursts of file events. Defaults to 250ms.
	Debounce time.Duration
	// OnReload observes every reload attempt.
	OnReload func(ReconcileResult, error)
}

// Watcher reloads the configuration file when it changes and reconciles the
// registry against it. A file that fails to load or validate leaves the
// registry untouched.
type Watcher struct {
	path     string
	registry Registry
	opts     WatcherOptions
	logger   *slog.Logger
	fs       *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directory containing path, so editors that replace
// the file by rename are still observed.
func NewWatcher(path string, reg Registry, opts *WatcherOptions) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	var o WatcherOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, registry: reg, opts: o, logger: o.Logger, fs: fsw}, nil
}

// Run processes file events until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug("config file changed", "path", w.path, "op", event.Op.String())
				w.schedule(ctx)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload(ctx)
	})
}

func (w *Watcher) reload(ctx context.Context) {
	result, err := w.Reload(ctx)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
	} else {
		w.logger.Info("config reloaded",
			"added", len(result.Added),
			"updated", len(result.Updated),
			"removed", len(result.Removed),
		)
	}
	if w.opts.OnReload != nil {
		w.opts.OnReload(result, err)
	}
}

// Reload loads the file once and reconciles the registry.
func (w *Watcher) Reload(ctx context.Context) (ReconcileResult, error) {
	f, err := Load(w.path)
	if err != nil {
		return ReconcileResult{}, err
	}
	defs, err := f.Definitions()
	if err != nil {
		return ReconcileResult{}, err
	}
	return Reconcile(ctx, w.registry, defs)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.fs.Close()
}
