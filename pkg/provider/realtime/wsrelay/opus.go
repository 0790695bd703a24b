package wsrelay

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// The relay wire format is 48 kHz mono Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusFrameBytes is the PCM16 byte length of one frame.
	opusFrameBytes = opusFrameSize * 2
)

// encodeFrame compresses exactly one 20 ms PCM16 frame into an Opus packet.
// The encoder carries state between consecutive frames, so calls must stay
// on one goroutine and in capture order.
func encodeFrame(enc *gopus.Encoder, frame []byte) ([]byte, error) {
	if len(frame) != opusFrameBytes {
		return nil, fmt.Errorf("wsrelay: opus frame must be %d bytes, got %d", opusFrameBytes, len(frame))
	}
	samples := make([]int16, opusFrameSize)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
	}
	pkt, err := enc.Encode(samples, opusFrameSize, len(frame))
	if err != nil {
		return nil, fmt.Errorf("wsrelay: opus encode: %w", err)
	}
	return pkt, nil
}

// decodePacket decompresses one Opus packet into PCM16 bytes. Decoding keeps
// state between packets too; feed it from a single goroutine.
func decodePacket(dec *gopus.Decoder, pkt []byte) ([]byte, error) {
	samples, err := dec.Decode(pkt, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: opus decode: %w", err)
	}
	pcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	return pcm, nil
}
