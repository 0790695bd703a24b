package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names shipped with Parley.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime", "gemini-live", "wsrelay"}

// keyedProviders lists providers that need an API key to connect.
var keyedProviders = []string{"openai-realtime", "gemini-live"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider entries
	namesSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := namesSeen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
		}
		namesSeen[p.Name] = i

		validateProviderName(p.Name)

		if p.Name == "wsrelay" && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for wsrelay (the relay has no default endpoint)", prefix))
		}
		if p.APIKey == "" && slices.Contains(keyedProviders, p.Name) {
			slog.Warn("provider has no api_key configured; connecting will fail unless the backend allows anonymous access",
				"provider", p.Name,
			)
		}
	}

	// Session
	if cfg.Session.Provider != "" {
		if _, ok := namesSeen[cfg.Session.Provider]; !ok {
			errs = append(errs, fmt.Errorf("session.provider %q is not declared in providers", cfg.Session.Provider))
		}
	} else {
		slog.Warn("session.provider is empty; the daemon will serve HTTP without starting a voice session")
	}
	if cfg.Session.HandshakeTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.handshake_timeout_seconds %d must not be negative", cfg.Session.HandshakeTimeoutSeconds))
	}
	if cfg.Session.QueueWarnDepth < 0 {
		errs = append(errs, fmt.Errorf("session.queue_warn_depth %d must not be negative", cfg.Session.QueueWarnDepth))
	}

	// Audio devices
	errs = append(errs, validateCapture(cfg.Audio.Capture)...)
	errs = append(errs, validatePlayback(cfg.Audio.Playback)...)

	return errors.Join(errs...)
}

func validateCapture(c CaptureConfig) []error {
	var errs []error
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d must not be negative", c.SampleRate))
	}
	if c.Channels < 0 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.capture.channels %d is out of range [0, 2]", c.Channels))
	}
	if c.FrameDurationMs != 0 && (c.FrameDurationMs < 5 || c.FrameDurationMs > 100) {
		errs = append(errs, fmt.Errorf("audio.capture.frame_duration_ms %d is out of range [5, 100]", c.FrameDurationMs))
	}
	return errs
}

func validatePlayback(p PlaybackConfig) []error {
	var errs []error
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.sample_rate %d must not be negative", p.SampleRate))
	}
	if p.Channels < 0 || p.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.playback.channels %d is out of range [0, 2]", p.Channels))
	}
	if p.BufferMs < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.buffer_ms %d must not be negative", p.BufferMs))
	}
	return errs
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
