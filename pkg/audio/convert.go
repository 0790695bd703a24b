package audio

// Convert transforms PCM16 bytes from src to dst format. When the formats
// already match, the input slice is returned untouched (zero allocation).
// An odd trailing byte is dropped before conversion. The input is never
// mutated, and the same input always yields the same output.
//
// Conversion order: resample first, then channel convert, so stereo data is
// never resampled when the destination is mono.
func Convert(pcm []byte, src, dst Format) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if src == dst || len(pcm) == 0 {
		return pcm
	}

	if src.SampleRate != dst.SampleRate {
		pcm = resample16(pcm, src.Channels, src.SampleRate, dst.SampleRate)
	}

	switch {
	case src.Channels == 1 && dst.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && dst.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// sample16 reads the little-endian int16 at sample index i.
func sample16(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

// putSample16 writes v as little-endian int16 at sample index i.
func putSample16(pcm []byte, i int, v int16) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

// lerp16 interpolates between a and b at fractional position frac in [0, 1).
func lerp16(a, b int16, frac float64) int16 {
	return int16(float64(a) + (float64(b)-float64(a))*frac)
}

// clamp16 saturates v to the int16 range.
func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		s := sample16(pcm, i)
		putSample16(out, 2*i, s)
		putSample16(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono.
// The sum is taken in int32 and saturated back to the int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		mixed := int32(sample16(pcm, 2*i)) + int32(sample16(pcm, 2*i+1))
		putSample16(out, i, clamp16(mixed/2))
	}
	return out
}

// resample16 resamples interleaved PCM16 from srcRate to dstRate by linear
// interpolation, channel by channel. Output frame i is sampled at source
// position i*srcRate/dstRate, so frame 0 always reproduces the first input
// frame exactly; positions past the last input frame hold its value. Inputs
// shorter than one frame, non-positive rates and equal rates return the
// input unchanged.
func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := 2 * channels
	if len(pcm) < stride {
		return pcm
	}
	srcFrames := len(pcm) / stride
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		for ch := 0; ch < channels; ch++ {
			a := sample16(pcm, idx*channels+ch)
			b := a
			if idx+1 < srcFrames {
				b = sample16(pcm, (idx+1)*channels+ch)
			}
			putSample16(out, i*channels+ch, lerp16(a, b, frac))
		}
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The first output sample always equals the first
// input sample.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM from srcRate to
// dstRate using linear interpolation.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}
