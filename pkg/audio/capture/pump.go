package capture

import (
	"sync/atomic"

	"github.com/genpozi/parley/pkg/audio"
)

// pump assembles raw device callback bytes into fixed-size frames and hands
// them to the frame channel. It runs on the OS audio thread, so it must
// never block: a full channel drops the frame and bumps the counter.
type pump struct {
	format     audio.Format
	frameBytes int
	out        chan audio.Frame

	rem     []byte
	seq     uint64
	level   audio.Meter
	dropped atomic.Uint64
}

func newPump(format audio.Format, frameBytes, buffer int) *pump {
	return &pump{
		format:     format,
		frameBytes: frameBytes,
		out:        make(chan audio.Frame, buffer),
		rem:        make([]byte, 0, frameBytes),
	}
}

// push consumes one callback's worth of PCM. Callback sizes rarely line up
// with frame sizes exactly, so leftover bytes carry over to the next call.
func (p *pump) push(b []byte) {
	for len(b) > 0 {
		n := min(p.frameBytes-len(p.rem), len(b))
		p.rem = append(p.rem, b[:n]...)
		b = b[n:]
		if len(p.rem) < p.frameBytes {
			return
		}

		frame := p.rem
		p.rem = make([]byte, 0, p.frameBytes)
		p.seq++
		p.level.Set(audio.Level(frame))

		select {
		case p.out <- audio.Frame{Data: frame, Format: p.format, Seq: p.seq}:
		default:
			p.dropped.Add(1)
		}
	}
}
