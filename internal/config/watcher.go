package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zurustar/sipsession/internal/logging"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher holds the active configuration and reloads it when the file changes.
// A reload that fails to parse or validate leaves the current config in place.
type Watcher struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	manager  ConfigManager
	logger   logging.Logger
	debounce time.Duration

	subMu       sync.RWMutex
	subscribers []func(old, updated *Config)
}

// NewWatcher creates a watcher seeded with an already loaded configuration.
func NewWatcher(path string, initial *Config, manager ConfigManager, logger logging.Logger) *Watcher {
	return &Watcher{
		current:  initial,
		path:     path,
		manager:  manager,
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers fn to be called after every successful reload.
func (w *Watcher) Subscribe(fn func(old, updated *Config)) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Reload reads and validates the file, then swaps it in.
func (w *Watcher) Reload() error {
	updated, err := w.manager.Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping current configuration", logging.ErrorField(err))
		return fmt.Errorf("reload config: %w", err)
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.mu.Unlock()

	w.subMu.RLock()
	subs := append([]func(old, updated *Config){}, w.subscribers...)
	w.subMu.RUnlock()
	for _, fn := range subs {
		fn(old, updated)
	}

	w.logger.Info("Configuration reloaded", logging.StringField("path", w.path))
	return nil
}

// Run watches the config file until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	w.logger.Info("Watching config file", logging.StringField("path", w.path))

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				debounce = time.After(w.debounce)
			}
		case <-debounce:
			debounce = nil
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", logging.ErrorField(err))
		}
	}
}
