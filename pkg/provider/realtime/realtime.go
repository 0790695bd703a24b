// Package realtime defines the Provider interface for realtime
// speech-to-speech backends.
//
// A realtime provider wraps a bidirectional voice service that accepts a
// stream of raw audio and answers with a stream of synthesized audio in a
// single, stateful session. Incoming traffic is split across two channels:
// audio-bearing messages surface on Audio, and bare interruption markers —
// the server telling the client the user talked over the model — surface on
// Interruptions.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system-level context that shapes the remote
	// model's behaviour. It is transmitted exactly once, during connect,
	// and cannot be changed for the lifetime of the session.
	Instructions string

	// Voice selects the synthesized voice, where the backend offers a
	// choice. Empty picks the provider default.
	Voice string
}

// Capabilities describes static audio properties of a provider. The values
// are constant for the lifetime of the Provider instance; the engine uses
// them to pick conversion formats for both pipeline directions.
type Capabilities struct {
	// InputSampleRate is the PCM rate, in Hz, the provider expects on
	// SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate, in Hz, of buffers emitted on Audio.
	OutputSampleRate int

	// Channels applies to both directions. Providers here are all mono.
	Channels int
}

// SessionHandle is an open realtime session. It is an interface so test
// code can supply scripted implementations without a live connection.
//
// The session is the hot path of the voice loop — every method must return
// quickly, and audio I/O is channel-based so the caller's audio plumbing is
// never blocked on the network. All methods are safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one PCM chunk to the provider. The chunk must be
	// in the provider's input format; it is base64-encoded and framed by
	// the implementation. Returns an error if the session is closed or the
	// transport rejects the write.
	SendAudio(chunk []byte) error

	// Audio emits decoded PCM buffers as the model speaks. The channel is
	// closed when the session ends; call Err afterwards to learn whether
	// it ended cleanly. Consumers must drain promptly — a stalled consumer
	// stalls the receive loop.
	Audio() <-chan []byte

	// Interruptions emits one value per interruption marker received from
	// the server. The channel is closed together with Audio.
	Interruptions() <-chan struct{}

	// Err returns the error that terminated the session, or nil after a
	// clean shutdown. Meaningful once Audio is closed.
	Err() error

	// Close terminates the session and closes both channels. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech backend.
type Provider interface {
	// Connect establishes a session. The given ctx bounds the handshake
	// only: dial, setup message, first server acknowledgement where the
	// protocol has one. The returned handle is ready to accept audio and
	// lives on its own internal context until Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns the provider's static audio properties.
	Capabilities() Capabilities

	// Name identifies the provider in logs and config ("openai-realtime").
	Name() string
}
