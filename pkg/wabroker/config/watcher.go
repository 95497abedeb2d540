package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce absorbs the burst of events editors emit per save.
const DefaultDebounce = 250 * time.Millisecond

// ChangeFunc receives the previous and the newly loaded configuration.
type ChangeFunc func(old, next *Config)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	current  *Config
	onChange []ChangeFunc
	timer    *time.Timer
}

// NewWatcher watches path, starting from the already loaded current.
func NewWatcher(path string, current *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		current:  current,
		logger:   logger.With("component", "config"),
	}
}

// SetDebounce changes the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// OnChange registers fn for every accepted reload.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Current returns the last accepted configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch blocks until ctx is done. The directory is watched rather than the
// file so that atomic saves (write temp, rename) are seen.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(w.path)
	w.logger.Debug("config: watching", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != name {
				continue
			}
			if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.Reload() })
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reload loads the file now. Invalid files are logged and ignored; the
// last good configuration stays in effect. It reports whether listeners
// were notified.
func (w *Watcher) Reload() bool {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config: reload failed, keeping previous config", "path", w.path, "error", err)
		return false
	}

	w.mu.Lock()
	old := w.current
	if reflect.DeepEqual(old, next) {
		w.mu.Unlock()
		w.logger.Debug("config: unchanged")
		return false
	}
	w.current = next
	listeners := append([]ChangeFunc(nil), w.onChange...)
	w.mu.Unlock()

	if old != nil {
		if keys := RestartRequired(old, next); len(keys) > 0 {
			w.logger.Warn("config: some changes require a restart", "keys", keys)
		}
	}
	w.logger.Info("config: reloaded", "path", w.path)
	for _, fn := range listeners {
		fn(old, next)
	}
	return true
}
