package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// OnModuleLoadedFunc is called after a module compiles and loads.
type OnModuleLoadedFunc func(name string)

// Watcher hot-loads toolkit modules: existing .wasm files at startup,
// then any added or rewritten file for as long as the context lives.
type Watcher struct {
	dir    string
	host   *Host
	logger *slog.Logger

	events         chan string
	onModuleLoaded OnModuleLoadedFunc
	lastError      atomic.Pointer[string]
}

func NewWatcher(dir string, host *Host, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		host:   host,
		logger: logger.With("component", "toolkit"),
		events: make(chan string, 16),
	}
}

// ModulesUpdated delivers the name of each freshly loaded module.
func (w *Watcher) ModulesUpdated() <-chan string {
	return w.events
}

// OnModuleLoaded registers a callback invoked after each load.
func (w *Watcher) OnModuleLoaded(fn OnModuleLoadedFunc) {
	w.onModuleLoaded = fn
}

// LastError returns the most recent load failure, if any.
func (w *Watcher) LastError() string {
	if msg := w.lastError.Load(); msg != nil {
		return *msg
	}
	return ""
}

func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch toolkit dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		// Load whatever already sits in the directory.
		modules, err := DiscoverModules(w.dir)
		if err != nil {
			w.logger.Error("toolkit scan failed", "dir", w.dir, "error", err)
		}
		for _, path := range modules {
			w.load(ctx, path)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".wasm" {
					continue
				}
				w.load(ctx, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				msg := err.Error()
				w.lastError.Store(&msg)
				w.logger.Error("toolkit watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) load(ctx context.Context, path string) {
	if err := w.host.LoadModuleFromFile(ctx, path); err != nil {
		msg := err.Error()
		w.lastError.Store(&msg)
		w.logger.Error("toolkit module load failed", "path", path, "error", err)
		return
	}
	name := moduleNameFromPath(path)
	if w.onModuleLoaded != nil {
		w.onModuleLoaded(name)
	}
	select {
	case w.events <- name:
	default:
	}
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
