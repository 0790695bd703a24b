package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// snapshot is one observed state of the config file: the parsed config plus
// the fingerprint used to detect the next change.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and reports content changes through a callback.
// Change detection is polling based; the daemon carries no fsnotify dependency.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	quit     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	last snapshot
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the default 5 second poll interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once, then keeps polling it in the background. The
// callback runs on the polling goroutine whenever the file content changes
// and still parses as a valid config; a save that fails validation is logged
// and skipped, and the previous config stays live.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = snap

	go w.loop()
	return w, nil
}

// Current returns the latest config that passed validation.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.quit) })
}

func (w *Watcher) loop() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-tick.C:
			w.sweep()
		}
	}
}

// sweep performs one poll cycle. An unchanged mtime short-circuits before any
// read or hash work.
func (w *Watcher) sweep() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config reload skipped: stat failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	seen := w.last.mtime
	w.mu.Unlock()
	if info.ModTime().Equal(seen) {
		return
	}

	snap, err := w.read()
	if err != nil {
		slog.Warn("config reload skipped: file not loadable", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.last.sum {
		// Touched but identical content; just advance the mtime.
		w.last.mtime = snap.mtime
		w.mu.Unlock()
		return
	}
	old := w.last.cfg
	w.last = snap
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		// Outside the lock: the callback may call Current.
		w.onChange(old, snap.cfg)
	}
}

// read loads and validates the file at w.path and fingerprints its content.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
