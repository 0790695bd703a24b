// Package app wires all Parley subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects
// telemetry, the provider registry, the session manager and the HTTP
// surface, Run executes the main loop, and Shutdown tears everything down
// in order.
//
// For testing, inject fakes via functional options (WithMetrics,
// WithEngineOptions). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/genpozi/parley/internal/config"
	"github.com/genpozi/parley/internal/engine"
	"github.com/genpozi/parley/internal/health"
	"github.com/genpozi/parley/internal/observe"
)

// telemetryFlushTimeout bounds the final exporter flush during shutdown.
const telemetryFlushTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the Parley voice daemon.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics *observe.Metrics
	manager *SessionManager
	httpSrv *http.Server
	ln      net.Listener

	// engineOpts are forwarded to every controller the manager builds.
	engineOpts []engine.Option

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics set instead of initialising the global
// telemetry providers. Tests use this to avoid registering duplicate
// Prometheus collectors in one process.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEngineOptions forwards controller options to the session manager.
// Tests use them to substitute fake audio devices.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) { a.engineOpts = opts }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry comes
// from main.go, already populated with the built-in provider factories. Use
// Option functions to inject test doubles for any subsystem.
//
// New binds the listen address immediately so a port conflict surfaces here
// rather than after startup.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Session manager ───────────────────────────────────────────────
	a.manager = NewSessionManager(SessionManagerConfig{
		Config:        cfg,
		Registry:      registry,
		Metrics:       a.metrics,
		EngineOptions: a.engineOpts,
	})

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel providers and the daemon's metric set. A
// metrics set injected via WithMetrics wins, leaving the process-global
// providers untouched.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		return shutdown(flushCtx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initHTTP builds the daemon's HTTP surface and binds the listener. Routes:
//
//	GET  /healthz               liveness
//	GET  /readyz                readiness (provider + session checks)
//	GET  /metrics               Prometheus scrape endpoint
//	GET  /v1/session            session status JSON
//	POST /v1/session/interrupt  discard all scheduled playback
func (a *App) initHTTP() error {
	mux := http.NewServeMux()

	health.New(
		health.Checker{Name: "provider", Check: a.checkProviders},
		health.Checker{Name: "session", Check: a.checkSession},
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/session", a.handleSessionStatus)
	mux.HandleFunc("POST /v1/session/interrupt", a.handleSessionInterrupt)

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.ln = ln
	a.closers = append(a.closers, func() error {
		if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	a.httpSrv = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

// checkProviders reports readiness of the provider registry.
func (a *App) checkProviders(context.Context) error {
	if len(a.registry.Names()) == 0 {
		return errors.New("no providers registered")
	}
	return nil
}

// checkSession fails readiness while the active session sits in a terminal
// error state.
func (a *App) checkSession(context.Context) error {
	ctrl := a.manager.Controller()
	if ctrl != nil && ctrl.Status() == engine.StatusError {
		return errors.New("session in error state")
	}
	return nil
}

// sessionStatus is the GET /v1/session response body for an active session.
type sessionStatus struct {
	Active         bool      `json:"active"`
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	StartedAt      time.Time `json:"started_at"`
	Status         string    `json:"status"`
	RemoteSpeaking bool      `json:"remote_speaking"`
	Volume         float64   `json:"volume"`
	QueueDepth     int       `json:"queue_depth"`
	Error          string    `json:"error,omitempty"`
}

func (a *App) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctrl := a.manager.Controller()
	info, ok := a.manager.Info()
	if !ok || ctrl == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}

	st := sessionStatus{
		Active:         true,
		ID:             info.ID,
		Provider:       info.Provider,
		StartedAt:      info.StartedAt,
		Status:         ctrl.Status().String(),
		RemoteSpeaking: ctrl.RemoteSpeaking(),
		Volume:         ctrl.Volume(),
		QueueDepth:     ctrl.QueueDepth(),
	}
	if err := ctrl.Err(); err != nil {
		st.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleSessionInterrupt(w http.ResponseWriter, r *http.Request) {
	ctrl := a.manager.Controller()
	if ctrl == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no active session"})
		return
	}
	ctrl.Interrupt()
	observe.Logger(r.Context()).Info("session interrupted via API")
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON marshals v into the response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface and, when the config names a session provider,
// starts the voice session. It blocks until ctx is cancelled, the session
// reaches a terminal state, or the HTTP server fails.
//
// A session ending cleanly returns nil; a session failure returns its
// terminal error. There is no automatic reconnect: the operator (or the
// supervisor restarting the process) decides whether to retry.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := a.httpSrv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if p := a.cfg.Session.Provider; p != "" && !a.manager.Active() {
		_, err := a.manager.Start(ctx, StartOptions{
			Provider:     p,
			Instructions: a.cfg.Session.Instructions,
			Voice:        a.cfg.Session.Voice,
		})
		if err != nil {
			return fmt.Errorf("app: start session: %w", err)
		}
	}

	slog.Info("app running", "addr", a.ln.Addr().String())

	// A nil channel blocks forever, covering the HTTP-only mode.
	var sessionDone <-chan struct{}
	ctrl := a.manager.Controller()
	if ctrl != nil {
		sessionDone = ctrl.Done()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sessionDone:
		if err := ctrl.Err(); err != nil {
			return fmt.Errorf("app: voice session failed: %w", err)
		}
		slog.Info("voice session ended")
		return nil
	case err := <-serveErr:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Addr returns the bound listen address, usable once New has returned.
func (a *App) Addr() string {
	return a.ln.Addr().String()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End the voice session first so the audio devices and the
		// transport release before anything else.
		if a.manager.Active() {
			if err := a.manager.Stop(); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}

		// Drain in-flight HTTP requests, honouring the deadline.
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		// Run closers in reverse-init order.
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
