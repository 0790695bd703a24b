// Package wsrelay implements realtime.Provider for a self-hosted speech
// relay reachable over a plain WebSocket.
//
// The wire protocol is deliberately small: binary frames carry 20 ms Opus
// packets (48 kHz mono) in both directions, and text frames carry JSON
// control messages. The client opens a session with a {"type":"session"}
// control message; the relay reports barge-in with a bare
// {"type":"interrupt"} marker.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"layeh.com/gopus"

	"github.com/genpozi/parley/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	closeGrace  = time.Second
	audioBuffer = 64
)

var errSessionClosed = errors.New("wsrelay: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithToken sets a bearer token sent in the Authorization header when
// dialing the relay.
func WithToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for a WebSocket speech relay.
type Provider struct {
	url   string
	token string
}

// New creates a relay Provider dialing the given ws:// or wss:// URL.
func New(url string, opts ...Option) *Provider {
	p := &Provider{url: url}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name identifies this provider in logs and configuration.
func (p *Provider) Name() string { return "wsrelay" }

// Capabilities returns the relay's static audio properties. The relay speaks
// 48 kHz mono in both directions; Opus framing is internal to this package.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		InputSampleRate:  opusSampleRate,
		OutputSampleRate: opusSampleRate,
		Channels:         opusChannels,
	}
}

// Connect dials the relay and opens a session. The session control message —
// carrying the instructions and voice — is sent exactly once, here, before
// the read loop starts.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	var header http.Header
	if p.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + p.token}}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, header)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: dial: %w", err)
	}

	sess, err := newSession(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Bound the opening control write by the caller's deadline, if any.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	open := controlMessage{
		Type:         "session",
		Instructions: cfg.Instructions,
		Voice:        cfg.Voice,
	}
	if err := sess.writeJSON(open); err != nil {
		sess.cancel()
		conn.Close()
		return nil, fmt.Errorf("wsrelay: open session: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	go sess.readLoop()
	return sess, nil
}

// ── Wire messages ──────────────────────────────────────────────────────────────

// controlMessage is the relay's JSON control frame. Audio never travels as
// JSON; binary frames hold raw Opus packets with no envelope.
type controlMessage struct {
	Type         string `json:"type"`
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Message      string `json:"message,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn

	// writeMu serialises writes: gorilla connections allow at most one
	// concurrent writer. It also guards the stateful encoder and the
	// sub-frame PCM remainder.
	writeMu sync.Mutex
	enc     *gopus.Encoder
	pending []byte

	// dec is only touched by readLoop.
	dec *gopus.Decoder

	// Receive side. readLoop is the only writer to these channels and
	// closes them on exit, so consumers observe end-of-stream.
	audio      chan []byte
	interrupts chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	failure error
	closed  bool
}

func newSession(conn *websocket.Conn) (*session, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: create opus decoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:       conn,
		enc:        enc,
		dec:        dec,
		audio:      make(chan []byte, audioBuffer),
		interrupts: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// writeJSON marshals v and sends it as a text frame under the write lock.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsrelay: encode %T: %w", v, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop drains the socket until the session ends, dispatching binary
// frames as audio and text frames as control messages.
func (s *session) readLoop() {
	defer close(s.interrupts)
	defer close(s.audio)

	for {
		msgType, data, err := s.conn.ReadMessage()
		switch {
		case err == nil:
		case s.ctx.Err() != nil:
			// Close tears down the TCP connection, which surfaces here
			// as a read error. Not a fault.
			return
		case isGoodbye(err):
			return // relay said goodbye
		default:
			s.fail(err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.deliverAudio(data)
		case websocket.TextMessage:
			s.handleControl(data)
		}
	}
}

// isGoodbye reports whether err is a clean remote closure.
func isGoodbye(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// deliverAudio decodes one Opus packet onto the audio channel. One bad
// packet never ends the session.
func (s *session) deliverAudio(pkt []byte) {
	pcm, err := decodePacket(s.dec, pkt)
	if err != nil {
		slog.Warn("wsrelay: dropping undecodable audio frame", "error", err, "bytes", len(pkt))
		return
	}
	if len(pcm) == 0 {
		return
	}
	select {
	case s.audio <- pcm:
	case <-s.ctx.Done():
	}
}

func (s *session) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("wsrelay: dropping malformed control frame", "error", err)
		return
	}

	switch msg.Type {
	case "interrupt":
		s.signalInterrupt()
	case "error":
		slog.Warn("wsrelay: relay reported error", "message", msg.Message)
	}
}

// signalInterrupt raises a barge-in marker without blocking.
func (s *session) signalInterrupt() {
	select {
	case s.interrupts <- struct{}{}:
	default: // a marker is already pending; one is enough
	}
}

// fail records the first fatal error; anything after it is teardown noise.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle ──────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk (48 kHz mono) to the relay.
// Chunks are re-framed to the 20 ms Opus frame size; a sub-frame remainder
// is carried into the next call.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return errSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.pending = append(s.pending, chunk...)
	for len(s.pending) >= opusFrameBytes {
		pkt, err := encodeFrame(s.enc, s.pending[:opusFrameBytes])
		if err != nil {
			return err
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
			return fmt.Errorf("wsrelay: write audio frame: %w", err)
		}
		s.pending = s.pending[opusFrameBytes:]
	}
	return nil
}

// Audio returns the channel on which the relay's decoded audio arrives.
func (s *session) Audio() <-chan []byte { return s.audio }

// Interruptions returns the channel carrying barge-in markers.
func (s *session) Interruptions() <-chan struct{} { return s.interrupts }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Close tears the session down. Safe to call more than once; later calls
// return nil without side effects.
func (s *session) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}

	s.cancel()
	// Best-effort close handshake before tearing down the TCP connection.
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(closeGrace),
	)
	s.conn.Close()
	return nil
}
