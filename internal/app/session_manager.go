package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genpozi/parley/internal/config"
	"github.com/genpozi/parley/internal/engine"
	"github.com/genpozi/parley/internal/observe"
	"github.com/genpozi/parley/pkg/audio"
	"github.com/genpozi/parley/pkg/audio/capture"
	"github.com/genpozi/parley/pkg/audio/playback"
	"github.com/genpozi/parley/pkg/provider/realtime"
)

// SessionInfo holds metadata about an active voice session.
type SessionInfo struct {
	// ID is the unique identifier for this session.
	ID string

	// Provider is the name of the provider entry the session runs against.
	Provider string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// StartOptions selects the provider and remote behaviour for a session.
type StartOptions struct {
	// Provider names a provider entry declared in the configuration.
	Provider string

	// Instructions is the system prompt sent to the remote model at
	// connect time.
	Instructions string

	// Voice selects the remote voice, where the provider supports it.
	Voice string
}

// SessionManager manages the lifecycle of voice sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	ctrl   *engine.Controller

	// closers are called in reverse order during Stop.
	closers []func() error

	// Dependencies injected at construction.
	cfg        *config.Config
	registry   *config.Registry
	metrics    *observe.Metrics
	engineOpts []engine.Option
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Registry *config.Registry
	Metrics  *observe.Metrics

	// EngineOptions are passed through to every controller the manager
	// builds. Tests use them to substitute fake audio devices.
	EngineOptions []engine.Option
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:        cfg.Config,
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
		engineOpts: cfg.EngineOptions,
	}
}

// Start begins a new voice session: it builds the named provider from the
// registry, constructs a controller and dials the remote end. It returns
// once the session is connected and audio is flowing.
//
// Returns an error if a session is already active. A failed start leaves
// nothing running.
func (sm *SessionManager) Start(ctx context.Context, opts StartOptions) (SessionInfo, error) {
	if opts.Provider == "" {
		return SessionInfo{}, errors.New("session: provider name is required")
	}

	entry, ok := sm.providerEntry(opts.Provider)
	if !ok {
		return SessionInfo{}, fmt.Errorf("session: provider %q is not declared in the configuration", opts.Provider)
	}

	provider, err := sm.registry.Create(entry)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session: build provider %q: %w", opts.Provider, err)
	}

	ctrl, err := engine.New(sm.engineConfig(provider, opts), sm.engineOpts...)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session: %w", err)
	}

	info := SessionInfo{
		ID:        uuid.NewString(),
		Provider:  opts.Provider,
		StartedAt: time.Now().UTC(),
	}

	// Reserve the active slot before dialling so a concurrent Start fails
	// fast instead of racing the handshake, and so status reads report
	// "connecting" instead of blocking behind it.
	sm.mu.Lock()
	if sm.active {
		id := sm.info.ID
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("session: a session is already active (id=%s)", id)
	}
	sm.active = true
	sm.info = info
	sm.ctrl = ctrl
	sm.closers = []func() error{ctrl.Close}
	sm.mu.Unlock()

	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Close()
		sm.clearIf(ctrl)
		return SessionInfo{}, fmt.Errorf("session: start %q: %w", opts.Provider, err)
	}

	slog.Info("session started",
		"session_id", info.ID,
		"provider", info.Provider,
	)

	return info, nil
}

// Stop gracefully ends the active session and releases its audio devices
// and transport. Returns an error if no session is active.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return fmt.Errorf("session: no active session to stop")
	}

	sessionID := sm.info.ID
	closers := sm.closers

	// Clear state.
	sm.active = false
	sm.info = SessionInfo{}
	sm.ctrl = nil
	sm.closers = nil
	sm.mu.Unlock()

	// Run closers in reverse order, outside the lock: closing a controller
	// blocks until its pipeline goroutines have stopped.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.Warn("session: closer error", "session_id", sessionID, "index", i, "err", err)
		}
	}

	slog.Info("session stopped", "session_id", sessionID)

	return nil
}

// Active reports whether a session is currently running.
func (sm *SessionManager) Active() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session. The second return is
// false when no session is active.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}

// Controller returns the active session's controller, or nil when no
// session is active.
func (sm *SessionManager) Controller() *engine.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl
}

// clearIf resets the manager state, but only while ctrl is still the
// installed controller. A Stop that raced a failing Start may already have
// handed the slot to a newer session.
func (sm *SessionManager) clearIf(ctrl *engine.Controller) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl != ctrl {
		return
	}
	sm.active = false
	sm.info = SessionInfo{}
	sm.ctrl = nil
	sm.closers = nil
}

// providerEntry finds the declared provider entry with the given name.
func (sm *SessionManager) providerEntry(name string) (config.ProviderEntry, bool) {
	for _, entry := range sm.cfg.Providers {
		if entry.Name == name {
			return entry, true
		}
	}
	return config.ProviderEntry{}, false
}

// engineConfig converts the daemon configuration into a controller config
// for one session.
func (sm *SessionManager) engineConfig(provider realtime.Provider, opts StartOptions) engine.Config {
	mic := sm.cfg.Audio.Capture
	play := sm.cfg.Audio.Playback

	ec := engine.Config{
		Provider: provider,
		Session: realtime.SessionConfig{
			Instructions: opts.Instructions,
			Voice:        opts.Voice,
		},
		Capture: capture.Config{
			SampleRate:    mic.SampleRate,
			Channels:      mic.Channels,
			FrameDuration: mic.FrameDuration(),
			DeviceID:      mic.DeviceID,
		},
		Playback: playback.SinkConfig{
			BufferSize: play.Buffer(),
		},
		HandshakeTimeout: sm.cfg.Session.HandshakeTimeout(),
		QueueWarnDepth:   sm.cfg.Session.QueueWarnDepth,
		Metrics:          sm.metrics,
	}

	// A partially specified playback format still needs both fields set;
	// a fully zero one lets the controller pick its default.
	if f := (audio.Format{SampleRate: play.SampleRate, Channels: play.Channels}); f != (audio.Format{}) {
		if f.SampleRate == 0 {
			f.SampleRate = 48000
		}
		if f.Channels == 0 {
			f.Channels = 1
		}
		ec.Playback.Format = f
	}

	return ec
}
