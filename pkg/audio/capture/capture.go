// Package capture owns the microphone for the lifetime of a session. A
// Source delivers fixed-duration PCM16 frames at a fixed rate and never
// blocks the OS audio thread: a full frame channel drops frames and counts
// them instead.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/genpozi/parley/pkg/audio"
)

// ErrDeviceStopped is reported on Errors() when the capture device stops
// without Close being called (unplugged, claimed by another process).
var ErrDeviceStopped = errors.New("capture device stopped unexpectedly")

// Config controls how the microphone is opened.
type Config struct {
	// SampleRate requested from the device, in Hz. Defaults to 48000.
	SampleRate int

	// Channels requested from the device. Defaults to mono.
	Channels int

	// FrameDuration is the fixed length of each delivered frame.
	// Defaults to 20ms.
	FrameDuration time.Duration

	// DeviceID selects a capture device by name. Empty picks the OS default.
	DeviceID string

	// Buffer is the frame channel capacity. Defaults to 64 frames.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

// Format returns the PCM format frames are delivered in.
func (c Config) Format() audio.Format {
	c = c.withDefaults()
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// FrameBytes returns the size in bytes of one delivered frame.
func (c Config) FrameBytes() int {
	c = c.withDefaults()
	return int(int64(c.Format().BytesPerSecond()) * int64(c.FrameDuration) / int64(time.Second))
}

// Source is an open microphone. Open establishes the device handle; Start
// begins frame delivery. Implementations never retry a failed device — a
// broken source is replaced, not repaired.
type Source interface {
	// Start begins frame delivery. Cancelling ctx closes the source.
	Start(ctx context.Context) error

	// Frames streams captured frames in order. Closed after Close returns.
	Frames() <-chan audio.Frame

	// Errors reports device faults that occur after a successful open.
	Errors() <-chan error

	// Level is the RMS of the most recent frame, in [0, 1]. Last write wins.
	Level() float64

	// Dropped counts frames discarded because the frame channel was full.
	Dropped() uint64

	// Close stops the device and releases it. Idempotent. No device
	// callback runs after Close returns.
	Close() error
}
