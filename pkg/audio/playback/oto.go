package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/genpozi/parley/pkg/audio"
)

var errSinkClosed = errors.New("playback: sink closed")

// oto permits exactly one hardware context per process, so it is created on
// the first open and reused. Opening a sink at a different format later is
// an error rather than a silent re-init.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoFmt  audio.Format
	otoErr  error
)

// OpenSink opens the speaker. Device or backend failure surfaces here,
// once, at construction — a sink that opened successfully only fails again
// if the process loses the device entirely.
func OpenSink(cfg SinkConfig) (Sink, error) {
	cfg = cfg.withDefaults()
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   cfg.Format.SampleRate,
			ChannelCount: cfg.Format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   cfg.BufferSize,
		})
		if err != nil {
			otoErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		otoCtx, otoFmt = ctx, cfg.Format
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if cfg.Format != otoFmt {
		return nil, fmt.Errorf("speaker already initialized at %s, cannot reopen at %s", otoFmt, cfg.Format)
	}
	return &otoSink{ctx: otoCtx}, nil
}

// otoSink feeds a lazily created oto player from a pull buffer. Flush
// abandons both: the old player's reader only ever sees its own buffer, so
// a flushed player and its successor can never race for the same bytes.
type otoSink struct {
	ctx *oto.Context

	mu     sync.Mutex
	buf    *pullBuffer
	player *oto.Player
	closed bool
}

var _ Sink = (*otoSink)(nil)

func (s *otoSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if s.player == nil {
		s.buf = newPullBuffer()
		s.player = s.ctx.NewPlayer(s.buf)
		s.player.Play()
	}
	s.buf.Write(pcm)
	return nil
}

func (s *otoSink) Flush() error {
	s.mu.Lock()
	buf, player := s.buf, s.player
	s.buf, s.player = nil, nil
	s.mu.Unlock()

	if buf != nil {
		buf.Close()
	}
	if player != nil {
		// Pause silences output immediately; Reset drops what oto buffered
		// internally so it cannot leak into the next player.
		player.Pause()
		player.Reset()
		_ = player.Close()
	}
	return nil
}

func (s *otoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	buf, player := s.buf, s.player
	s.buf, s.player = nil, nil
	s.mu.Unlock()

	if buf != nil {
		buf.Close()
	}
	if player != nil {
		_ = player.Close()
	}
	return nil
}
