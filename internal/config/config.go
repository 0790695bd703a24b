// Package config provides the configuration schema, loader, and provider
// registry for the Parley voice session daemon.
package config

import "time"

// LogLevel controls log verbosity for the Parley daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers []ProviderEntry `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the Parley daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry configures one realtime speech backend. The Name field is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai-realtime", "gemini-live", "wsrelay").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Required for
	// wsrelay, which has no built-in default; optional elsewhere.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the defaults applied when a voice session starts.
type SessionConfig struct {
	// Provider names the [ProviderEntry] to connect at startup. Empty means
	// the daemon runs its HTTP surface without starting a session.
	Provider string `yaml:"provider"`

	// Instructions is the system-level context sent to the remote model
	// exactly once, during connect.
	Instructions string `yaml:"instructions"`

	// Voice selects the synthesized voice where the backend offers a choice.
	Voice string `yaml:"voice"`

	// HandshakeTimeoutSeconds bounds the provider handshake. 0 picks the
	// engine default.
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`

	// QueueWarnDepth is the outbound queue depth above which a stalled
	// transport warning is logged. 0 picks the engine default.
	QueueWarnDepth int `yaml:"queue_warn_depth"`
}

// HandshakeTimeout returns the configured handshake bound as a duration.
func (s SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSeconds) * time.Second
}

// AudioConfig groups device settings for both pipeline directions.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig holds microphone settings. Zero values pick the capture
// package defaults (48 kHz mono, 20 ms frames, OS default device).
type CaptureConfig struct {
	// SampleRate requested from the device, in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels requested from the device.
	Channels int `yaml:"channels"`

	// FrameDurationMs is the fixed length of each delivered frame, in
	// milliseconds.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// DeviceID selects a capture device by name. Empty picks the OS default.
	DeviceID string `yaml:"device_id"`
}

// FrameDuration returns the configured frame length as a duration.
func (c CaptureConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

// PlaybackConfig holds speaker settings. Zero values pick the playback
// package defaults (48 kHz mono, 100 ms device buffer).
type PlaybackConfig struct {
	// SampleRate of the audio handed to the device, in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the audio handed to the device.
	Channels int `yaml:"channels"`

	// BufferMs is the device-side buffer length in milliseconds. Shorter
	// cuts latency, longer survives scheduling hiccups.
	BufferMs int `yaml:"buffer_ms"`
}

// Buffer returns the configured device buffer length as a duration.
func (p PlaybackConfig) Buffer() time.Duration {
	return time.Duration(p.BufferMs) * time.Millisecond
}
