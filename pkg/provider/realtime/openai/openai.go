// Package openai speaks the OpenAI Realtime API event protocol over a
// WebSocket and exposes it through the realtime.Provider contract.
//
// Microphone PCM16 goes out base64-encoded in input_audio_buffer.append
// events; synthesized speech comes back in response.audio.delta events.
// Server-side voice activity detection segments user turns and reports
// barge-in through input_audio_buffer.speech_started, which is surfaced as
// a marker on the session's Interruptions channel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/genpozi/parley/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// The Realtime API speaks 24 kHz mono PCM16 in both directions.
	sampleRate = 24000

	audioBuffer = 64
)

// Event type strings from the Realtime protocol.
const (
	evSessionUpdate = "session.update"
	evAppendAudio   = "input_audio_buffer.append"
	evSpeechStarted = "input_audio_buffer.speech_started"
	evAudioDelta    = "response.audio.delta"
	evError         = "error"
)

var errSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name identifies this provider in logs and configuration.
func (p *Provider) Name() string { return "openai-realtime" }

// Capabilities returns the Realtime API's static audio properties.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		InputSampleRate:  sampleRate,
		OutputSampleRate: sampleRate,
		Channels:         1,
	}
}

// endpoint assembles the Realtime URL; the model is selected by query
// parameter, authentication by header.
func (p *Provider) endpoint() string {
	return p.baseURL + "?model=" + url.QueryEscape(p.model)
}

// Connect dials the Realtime endpoint and configures the session. The
// session.update event — instructions, voice and PCM16 audio formats — is
// written here, before any goroutine touches the socket.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial realtime endpoint: %w", err)
	}

	sess := newSession(conn)
	if err := sess.writeJSON(newUpdate(cfg)); err != nil {
		sess.cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: send session update: %w", err)
	}

	go sess.receiveLoop()
	return sess, nil
}

// ── Wire events ────────────────────────────────────────────────────────────────

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverEvent is the superset of incoming event fields this package reads.
// Unknown event types unmarshal fine and are ignored.
type serverEvent struct {
	Type  string      `json:"type"`
	Delta string      `json:"delta,omitempty"` // response.audio.delta payload
	Error *eventError `json:"error,omitempty"`
}

// eventError is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type eventError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// newUpdate builds the session.update event from a SessionConfig. Server VAD
// is always enabled: the engine depends on speech_started for barge-in.
func newUpdate(cfg realtime.SessionConfig) sessionUpdate {
	return sessionUpdate{
		Type: evSessionUpdate,
		Session: sessionParams{
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn

	// Receive side. receiveLoop is the only writer to these channels and
	// closes them on exit, so consumers observe end-of-stream.
	audio      chan []byte
	interrupts chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	failure error
	closed  bool
}

func newSession(conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:       conn,
		audio:      make(chan []byte, audioBuffer),
		interrupts: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// writeJSON marshals v and sends it as a text frame. The underlying
// connection serializes concurrent writers.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: encode %T: %w", v, err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop drains the socket until the session ends, dispatching each
// server event in arrival order.
func (s *session) receiveLoop() {
	defer close(s.interrupts)
	defer close(s.audio)

	for {
		_, data, err := s.conn.Read(s.ctx)
		switch {
		case err == nil:
		case s.ctx.Err() != nil:
			return // local Close
		case isGoodbye(err):
			return // server said goodbye; not a fault
		default:
			s.fail(err)
			return
		}

		var evt serverEvent
		if json.Unmarshal(data, &evt) != nil {
			continue // not a JSON event
		}
		s.dispatch(&evt)
	}
}

// isGoodbye reports whether err is a clean remote closure.
func isGoodbye(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func (s *session) dispatch(evt *serverEvent) {
	switch evt.Type {
	case evAudioDelta:
		s.deliverDelta(evt.Delta)
	case evSpeechStarted:
		// Server VAD heard the user over the model: barge-in.
		s.signalInterrupt()
	case evError:
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("openai: server reported error", "message", msg)
	}
}

// deliverDelta decodes one audio delta onto the audio channel. One bad chunk
// never ends the session.
func (s *session) deliverDelta(delta string) {
	if delta == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		slog.Warn("openai: dropping undecodable audio delta", "error", err)
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

// SendAudio forwards one chunk of 24 kHz mono PCM16 to the model's input
// buffer. Turn boundaries are the server's problem: with VAD enabled there
// is no commit event to send.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return errSessionClosed
	}
	return s.writeJSON(audioAppend{
		Type:  evAppendAudio,
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Audio returns the channel on which the model's synthesised audio arrives.
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

	s.cancel() // unblocks receiveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
	return nil
}
