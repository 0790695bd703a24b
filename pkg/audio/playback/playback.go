// Package playback turns streamed remote audio into gapless speaker output
// and tracks, buffer by buffer, whether the remote voice is still audible.
//
// The Scheduler keeps a virtual schedule rather than interrogating the
// device: each scheduled buffer occupies the interval [Start, End) on a
// clock that begins at "now" and advances by buffer durations. The set of
// in-flight intervals is the single source of truth for "is the remote
// speaking", and interrupting empties that set and rewinds the clock.
package playback

import (
	"time"

	"github.com/genpozi/parley/pkg/audio"
)

// Sink is the speaker the scheduler writes through. Write appends PCM to
// the device pipeline and must return quickly. Flush drops everything the
// device has not played yet — the audible half of a barge-in.
type Sink interface {
	Write(pcm []byte) error
	Flush() error
	Close() error
}

// SinkConfig controls how the speaker is opened.
type SinkConfig struct {
	Format audio.Format

	// BufferSize is the device-side buffer length. Shorter cuts latency,
	// longer survives scheduling hiccups. Defaults to 100ms.
	BufferSize time.Duration
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 100 * time.Millisecond
	}
	return c
}
