package audio

import (
	"math"
	"sync/atomic"
)

// Level computes the RMS amplitude of a PCM16 buffer normalized to [0, 1].
// Empty input yields 0; an odd trailing byte is ignored.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	return min(rms, 1)
}

// Meter holds the level of the most recently observed buffer. Writes
// overwrite unconditionally (last write wins) and reads never block, so a
// meter can sit directly in a device callback.
type Meter struct {
	bits atomic.Uint64
}

// Set stores a level, clamped to [0, 1].
func (m *Meter) Set(v float64) {
	m.bits.Store(math.Float64bits(min(max(v, 0), 1)))
}

// Value returns the most recently stored level.
func (m *Meter) Value() float64 {
	return math.Float64frombits(m.bits.Load())
}
