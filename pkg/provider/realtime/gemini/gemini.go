// Package gemini speaks the Gemini Live BidiGenerateContent protocol over a
// WebSocket and exposes it through the realtime.Provider contract.
//
// Microphone PCM goes out base64-encoded inside realtimeInput messages;
// synthesized speech comes back inside serverContent model turns. A
// serverContent carrying the interrupted flag means the user spoke over the
// model, and is surfaced as a marker on the session's Interruptions channel.
package gemini

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
	"time"

	"github.com/coder/websocket"

	"github.com/genpozi/parley/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// Gemini Live accepts 16 kHz mono PCM16 and produces 24 kHz mono PCM16.
	inputSampleRate  = 16000
	outputSampleRate = 24000
	inputMIME        = "audio/pcm;rate=16000"

	// The Live endpoint drops idle connections, and a session sits silent
	// whenever neither side is speaking.
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	audioBuffer = 64
)

var errSessionClosed = errors.New("gemini: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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
func (p *Provider) Name() string { return "gemini-live" }

// Capabilities returns the Gemini Live API's static audio properties.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		InputSampleRate:  inputSampleRate,
		OutputSampleRate: outputSampleRate,
		Channels:         1,
	}
}

// endpoint assembles the full BidiGenerateContent URL. Authentication rides
// in the key query parameter rather than a header.
func (p *Provider) endpoint() string {
	return p.baseURL + bidiPath + "?key=" + url.QueryEscape(p.apiKey)
}

// Connect dials the Live endpoint and performs the setup exchange. The setup
// message — model, system instruction, voice — must be the first frame on the
// wire, so it is written here before any goroutine touches the socket.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial live endpoint: %w", err)
	}

	sess := newSession(conn)
	if err := sess.writeJSON(newSetup(p.model, cfg)); err != nil {
		sess.cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepalive()
	return sess, nil
}

// ── Wire messages ──────────────────────────────────────────────────────────────

// Client → server. Each top-level message wraps exactly one payload field.

type bidiSetup struct {
	Setup setupParams `json:"setup"`
}

type setupParams struct {
	Model             string             `json:"model"`
	GenerationConfig  genConfig          `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type genConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type bidiRealtimeInput struct {
	RealtimeInput struct {
		MediaChunks []mediaChunk `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// Server → client.

type serverEvent struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *apiError        `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// newSetup builds the session setup message from a SessionConfig. Empty
// instructions and voice are omitted entirely rather than sent blank.
func newSetup(model string, cfg realtime.SessionConfig) bidiSetup {
	msg := bidiSetup{
		Setup: setupParams{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: genConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
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
		return fmt.Errorf("gemini: encode %T: %w", v, err)
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

		var ev serverEvent
		if json.Unmarshal(data, &ev) != nil {
			continue // not a JSON event
		}
		if ev.Error != nil {
			slog.Warn("gemini: server reported error",
				"message", ev.Error.Message, "code", ev.Error.Code)
		}
		if sc := ev.ServerContent; sc != nil {
			// The interrupted flag precedes any trailing audio of the
			// cut-off turn, so raise the marker before draining parts.
			if sc.Interrupted {
				s.signalInterrupt()
			}
			s.deliverAudio(sc.ModelTurn)
		}
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

// deliverAudio decodes each inline PCM part of a model turn onto the audio
// channel. One bad chunk never ends the session.
func (s *session) deliverAudio(turn *modelTurn) {
	if turn == nil {
		return
	}
	for _, p := range turn.Parts {
		if p.InlineData == nil {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			slog.Warn("gemini: dropping undecodable media chunk", "error", err)
			continue
		}
		if len(pcm) == 0 {
			continue
		}
		select {
		case s.audio <- pcm:
		case <-s.ctx.Done():
			return
		}
	}
}

// signalInterrupt raises a barge-in marker without blocking.
func (s *session) signalInterrupt() {
	select {
	case s.interrupts <- struct{}{}:
	default: // a marker is already pending; one is enough
	}
}

// keepalive pings the server periodically so the Live endpoint does not drop
// the connection during silence.
func (s *session) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(ctx)
			cancel()
		}
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

// SendAudio forwards one chunk of 16 kHz mono PCM16 to the model. The Live
// API takes no binary frames, so the chunk rides base64-encoded inside a
// realtimeInput message.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return errSessionClosed
	}
	var msg bidiRealtimeInput
	msg.RealtimeInput.MediaChunks = []mediaChunk{{
		MIMEType: inputMIME,
		Data:     base64.StdEncoding.EncodeToString(chunk),
	}}
	return s.writeJSON(msg)
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

	s.cancel() // unblocks receiveLoop and keepalive
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
	return nil
}
