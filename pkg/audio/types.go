package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
// Little-endian signed 16-bit samples are the only encoding used anywhere
// in the engine.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// String returns a human-readable form, e.g. "48000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is one fixed-duration slice of microphone audio flowing through the
// pipeline. Frames are the atomic unit of capture: assembled in the device
// callback, converted to the wire format and shipped strictly in order.
type Frame struct {
	// PCM audio data in Format.
	Data []byte

	// Format of Data.
	Format Format

	// Seq increases by one per captured frame, starting at 1.
	Seq uint64
}

// Duration returns how long n bytes of PCM in format f take to play.
func Duration(n int, f Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
