package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherRunning is returned by Watch when the watcher is already active.
var ErrWatcherRunning = errors.New("config: watcher already running")

// Watcher reloads the config file when it changes and hands each valid
// result to the registered callbacks.
type Watcher struct {
	mu        sync.Mutex
	fs        *fsnotify.Watcher
	path      string
	current   *Config
	callbacks []func(Change)
	onError   func(error)
	debounce  time.Duration
	running   bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// WatcherOption is a functional option for Watcher configuration.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must be quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithErrorHandler sets the function receiving watch and reload errors.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for configPath. current is the configuration
// the process is running with; when nil it is loaded from configPath.
func NewWatcher(configPath string, current *Config, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config: path is required for watching")
	}
	if current == nil {
		cfg, err := NewLoader().Load(configPath, nil)
		if err != nil {
			return nil, err
		}
		current = cfg
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		path:     filepath.Clean(configPath),
		current:  current,
		debounce: 500 * time.Millisecond,
		onError:  func(error) {},
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx is done or Stop is called. The parent directory is
// watched so editors that replace the file on save are still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherRunning
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stopCh:
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_ = w.Reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}

// Reload loads the file with a fresh loader, so removed keys fall back to
// defaults, and notifies callbacks in registration order. Invalid files are
// reported and leave the current configuration in place.
func (w *Watcher) Reload() error {
	next, err := NewLoader().Load(w.path, nil)
	if err != nil {
		err = fmt.Errorf("reload config: %w", err)
		w.onError(err)
		return err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	change := Change{
		Config:          next,
		Previous:        ExtractHotReloadable(prev),
		Hot:             ExtractHotReloadable(next),
		RestartRequired: RestartRequired(prev, next),
	}
	for _, cb := range callbacks {
		w.notify(cb, change)
	}
	return nil
}

func (w *Watcher) notify(cb func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			w.onError(fmt.Errorf("config callback panic: %v", r))
		}
	}()
	cb(change)
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(callback func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends Watch and releases the fsnotify handle. It is idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning returns whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ConfigPath returns the path being watched.
func (w *Watcher) ConfigPath() string {
	return w.path
}
