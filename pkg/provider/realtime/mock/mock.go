// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions.
// Use Session to drive the bidirectional audio stream and inspect which
// methods were invoked by the session engine.
//
// Example:
//
//	sess := &mock.Session{
//	    AudioCh:      make(chan []byte, 8),
//	    InterruptsCh: make(chan struct{}, 1),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/genpozi/parley/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session with buffered channels.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay, if positive, makes Connect block for that long before
	// returning. When the context expires first, Connect returns ctx.Err().
	// Useful for exercising handshake timeouts.
	ConnectDelay time.Duration

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities realtime.Capabilities

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := p.ConnectDelay
	connectErr := p.ConnectErr
	sess := p.Session
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if sess != nil {
		return sess, nil
	}
	return &Session{
		AudioCh:      make(chan []byte, 64),
		InterruptsCh: make(chan struct{}, 8),
	}, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() realtime.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of realtime.SessionHandle.
// Callers should pre-populate AudioCh and InterruptsCh, then close them to
// signal end-of-session.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio(). Callers own this channel.
	AudioCh chan []byte

	// InterruptsCh is the channel returned by Interruptions(). Callers own
	// this channel.
	InterruptsCh chan struct{}

	// --- Configurable behavior ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioDelay, if positive, makes every SendAudio call block for that
	// long before returning. Useful for exercising send-queue elasticity.
	SendAudioDelay time.Duration

	// ErrVal is returned by Err.
	ErrVal error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	delay := s.SendAudioDelay
	err := s.SendAudioErr
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// Interruptions returns InterruptsCh.
func (s *Session) Interruptions() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptsCh
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// SetErr sets the value returned by Err. Thread-safe.
func (s *Session) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrVal = err
}

// Sent returns copies of all chunks passed to SendAudio so far. Thread-safe.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Chunk
	}
	return out
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closed reports whether Close has been called at least once. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.SessionHandle at compile time.
var _ realtime.SessionHandle = (*Session)(nil)
