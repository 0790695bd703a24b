package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/genpozi/parley/internal/config"
	"github.com/genpozi/parley/pkg/provider/realtime"
	"github.com/genpozi/parley/pkg/provider/realtime/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

providers:
  - name: openai-realtime
    api_key: sk-test
    model: gpt-4o-realtime-preview
  - name: gemini-live
    api_key: gm-test
    model: gemini-2.0-flash-live-001
  - name: wsrelay
    base_url: ws://relay.local/voice
    options:
      compression: none

session:
  provider: openai-realtime
  instructions: You are a terse assistant. Answer in one sentence.
  voice: verse
  handshake_timeout_seconds: 10
  queue_warn_depth: 256

audio:
  capture:
    sample_rate: 48000
    channels: 1
    frame_duration_ms: 20
  playback:
    sample_rate: 48000
    channels: 1
    buffer_ms: 100
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if len(cfg.Providers) != 3 {
		t.Fatalf("providers: got %d, want 3", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "openai-realtime" {
		t.Errorf("providers[0].name: got %q", cfg.Providers[0].Name)
	}
	if cfg.Providers[2].BaseURL != "ws://relay.local/voice" {
		t.Errorf("providers[2].base_url: got %q", cfg.Providers[2].BaseURL)
	}
	if cfg.Providers[2].Options["compression"] != "none" {
		t.Errorf("providers[2].options.compression: got %v", cfg.Providers[2].Options["compression"])
	}
	if cfg.Session.Provider != "openai-realtime" {
		t.Errorf("session.provider: got %q", cfg.Session.Provider)
	}
	if cfg.Session.Voice != "verse" {
		t.Errorf("session.voice: got %q", cfg.Session.Voice)
	}
	if cfg.Session.HandshakeTimeoutSeconds != 10 {
		t.Errorf("session.handshake_timeout_seconds: got %d, want 10", cfg.Session.HandshakeTimeoutSeconds)
	}
	if cfg.Audio.Capture.FrameDurationMs != 20 {
		t.Errorf("audio.capture.frame_duration_ms: got %d, want 20", cfg.Audio.Capture.FrameDurationMs)
	}
	if cfg.Audio.Playback.BufferMs != 100 {
		t.Errorf("audio.playback.buffer_ms: got %d, want 100", cfg.Audio.Playback.BufferMs)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	// An empty config should succeed (no required top-level fields).
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
}

func TestLoadFromReader_UnknownFieldIsRejected(t *testing.T) {
	yaml := `
server:
  listen_address: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field listen_address, got nil")
	}
}

// ── Duration accessors ────────────────────────────────────────────────────────

func TestSessionConfig_HandshakeTimeout(t *testing.T) {
	s := config.SessionConfig{HandshakeTimeoutSeconds: 7}
	if got := s.HandshakeTimeout().Seconds(); got != 7 {
		t.Errorf("HandshakeTimeout: got %.0fs, want 7s", got)
	}
}

func TestCaptureConfig_FrameDuration(t *testing.T) {
	c := config.CaptureConfig{FrameDurationMs: 20}
	if got := c.FrameDuration().Milliseconds(); got != 20 {
		t.Errorf("FrameDuration: got %dms, want 20ms", got)
	}
}

func TestPlaybackConfig_Buffer(t *testing.T) {
	p := config.PlaybackConfig{BufferMs: 150}
	if got := p.Buffer().Milliseconds(); got != 150 {
		t.Errorf("Buffer: got %dms, want 150ms", got)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingProviderName(t *testing.T) {
	yaml := `
providers:
  - api_key: sk-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing provider name, got nil")
	}
	if !strings.Contains(err.Error(), "name") {
		t.Errorf("error should mention name, got: %v", err)
	}
}

func TestValidate_WsrelayRequiresBaseURL(t *testing.T) {
	yaml := `
providers:
  - name: wsrelay
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for wsrelay without base_url, got nil")
	}
	if !strings.Contains(err.Error(), "base_url") {
		t.Errorf("error should mention base_url, got: %v", err)
	}
}

func TestValidate_InvalidFrameDuration(t *testing.T) {
	yaml := `
audio:
  capture:
    frame_duration_ms: 500
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range frame_duration_ms, got nil")
	}
}

func TestValidate_NegativeHandshakeTimeout(t *testing.T) {
	yaml := `
session:
  handshake_timeout_seconds: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative handshake timeout, got nil")
	}
}

func TestValidate_TooManyChannels(t *testing.T) {
	yaml := `
audio:
  playback:
    channels: 6
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for 6 playback channels, got nil")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.Create(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredProvider(t *testing.T) {
	reg := config.NewRegistry()
	want := &mock.Provider{ProviderName: "stub"}
	reg.Register("stub", func(e config.ProviderEntry) (realtime.Provider, error) {
		return want, nil
	})
	got, err := reg.Create(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryReceivesEntry(t *testing.T) {
	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.Register("stub", func(e config.ProviderEntry) (realtime.Provider, error) {
		gotEntry = e
		return &mock.Provider{}, nil
	})
	entry := config.ProviderEntry{Name: "stub", APIKey: "sk-42", Model: "m1"}
	if _, err := reg.Create(entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEntry.APIKey != "sk-42" || gotEntry.Model != "m1" {
		t.Errorf("factory received %+v, want %+v", gotEntry, entry)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.Register("broken", func(e config.ProviderEntry) (realtime.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.Create(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := config.NewRegistry()
	factory := func(e config.ProviderEntry) (realtime.Provider, error) {
		return &mock.Provider{}, nil
	}
	reg.Register("wsrelay", factory)
	reg.Register("gemini-live", factory)
	reg.Register("openai-realtime", factory)

	names := reg.Names()
	want := []string{"gemini-live", "openai-realtime", "wsrelay"}
	if len(names) != len(want) {
		t.Fatalf("Names() returned %d entries, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
