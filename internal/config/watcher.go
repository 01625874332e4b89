package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"lagrum/internal/logging"
)

// Watcher reloads the config file when it changes on disk and hands the
// fresh copy to subscribers. Only the reloadable subset (thresholds, toggles,
// refusal template) should be consumed from reloads; store paths and the
// listen address are fixed for the process lifetime.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	done chan struct{}
	once sync.Once
}

// NewWatcher starts watching the directory containing path. A nil return
// with error means hot reload is unavailable; callers should continue with
// the boot-time config.
func NewWatcher(path string, initial *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save.
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		current: initial,
		done:    make(chan struct{}),
	}
	go w.loop()

	logging.Boot("Config watcher started on %s", path)
	return w, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked with each successfully reloaded config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload forces a reload from disk, used by the admin endpoint.
func (w *Watcher) Reload() (*Config, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.current = cfg
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	logging.Boot("Config reloaded from %s", w.path)
	return cfg, nil
}

func (w *Watcher) loop() {
	// Debounce: editors emit several events per save.
	var pending *time.Timer
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				if _, err := w.Reload(); err != nil {
					logging.Get(logging.CategoryBoot).Warn("Config reload failed: %v", err)
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("Config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.watcher.Close()
}
