package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/genpozi/parley/internal/config"
)

// reloads records every onChange invocation and signals each one.
type reloads struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	fired chan struct{}
}

func newReloads() *reloads {
	return &reloads{fired: make(chan struct{}, 16)}
}

func (r *reloads) record(old, new *config.Config) {
	r.mu.Lock()
	r.pairs = append(r.pairs, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func (r *reloads) lastPair(t *testing.T) (old, new *config.Config) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pairs) == 0 {
		t.Fatal("no reloads recorded")
	}
	p := r.pairs[len(r.pairs)-1]
	return p[0], p[1]
}

func watchedYAML(level string) string {
	return `
server:
  log_level: ` + level + `
providers:
  - name: wsrelay
    base_url: wss://relay.test/v1/stream
session:
  provider: wsrelay
`
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// bumpMtime forces the file's mtime away from whatever the watcher recorded,
// so the change is visible even on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func startWatcher(t *testing.T, content string) (path string, w *config.Watcher, rec *reloads) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "parley.yaml")
	writeConfigFile(t, path, content)
	rec = newReloads()
	w, err := config.NewWatcher(path, rec.record, config.WithInterval(25*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, rec
}

func TestWatcherServesInitialConfig(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watchedYAML("info"))

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current returned nil")
	}
	if got := cfg.Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want %q", got, config.LogInfo)
	}
}

func TestWatcherReportsContentChange(t *testing.T) {
	t.Parallel()
	path, w, rec := startWatcher(t, watchedYAML("info"))

	writeConfigFile(t, path, watchedYAML("debug"))
	bumpMtime(t, path)

	select {
	case <-rec.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}

	old, cur := rec.lastPair(t)
	if old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level = %q, want %q", old.Server.LogLevel, config.LogInfo)
	}
	if cur.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level = %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current log_level = %q, want %q", got, config.LogDebug)
	}
}

func TestWatcherKeepsServingAfterBadSave(t *testing.T) {
	t.Parallel()
	path, w, rec := startWatcher(t, watchedYAML("info"))

	writeConfigFile(t, path, "server:\n  log_level: shout\n")
	bumpMtime(t, path)

	// Give the watcher several poll cycles to notice the bad save.
	time.Sleep(250 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Fatalf("callback fired %d times for an invalid save", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current log_level = %q, want %q", got, config.LogInfo)
	}
}

func TestWatcherRecoversAfterBadSave(t *testing.T) {
	t.Parallel()
	path, w, rec := startWatcher(t, watchedYAML("info"))

	writeConfigFile(t, path, "server:\n  log_level: shout\n")
	bumpMtime(t, path)
	time.Sleep(100 * time.Millisecond)

	// A later valid save must still be picked up: a failed load does not
	// advance the watcher's notion of the file state.
	writeConfigFile(t, path, watchedYAML("warn"))
	bumpMtime(t, path)

	select {
	case <-rec.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired after recovery")
	}

	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("Current log_level = %q, want %q", got, config.LogWarn)
	}
}

func TestWatcherIgnoresTouchOnlySaves(t *testing.T) {
	t.Parallel()
	path, _, rec := startWatcher(t, watchedYAML("info"))

	// New mtime, identical bytes.
	bumpMtime(t, path)
	time.Sleep(250 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Fatalf("callback fired %d times for a touch-only save", n)
	}
}

func TestWatcherInitialLoadMissingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := config.NewWatcher(path, nil)
	if err == nil {
		t.Fatal("expected error for a missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error %v should unwrap to os.ErrNotExist", err)
	}
}

func TestWatcherInitialLoadInvalidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfigFile(t, path, "server:\n  log_level: shout\n")

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for an invalid file")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watchedYAML("info"))

	// Twice here plus the cleanup's Stop; none may panic.
	w.Stop()
	w.Stop()
}
