package persona

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups bursts of editor writes into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Registry when persona files in a directory change.
type Watcher struct {
	registry *Registry
	dir      string
	debounce time.Duration
	onReload func(ids []string)
	logger   *slog.Logger
}

// NewWatcher creates a watcher for dir. onReload, if set, runs after every
// successful reload with the loaded persona ids.
func NewWatcher(registry *Registry, dir string, onReload func(ids []string), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		registry: registry,
		dir:      dir,
		debounce: DefaultDebounce,
		onReload: onReload,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching persona directory", "dir", w.dir)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isYAML(filepath.Base(ev.Name)) || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Persona watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if err := w.registry.Reload(w.dir); err != nil {
		w.logger.Warn("Persona reload failed, keeping previous set", "error", err)
		return
	}
	ids := w.registry.IDs()
	w.logger.Info("Personas reloaded", "personas", ids)
	if w.onReload != nil {
		w.onReload(ids)
	}
}
