// Package engine implements the duplex voice session controller. One
// Controller owns one microphone source, one playback scheduler and one
// provider session, and routes audio between them until the session ends.
//
// The pipeline is event-driven: capture and the provider's receive stream
// are independent real-time producers that must never block each other, so
// the controller places encoded microphone chunks on an unbounded send
// queue drained by a single sender goroutine, preserving strict capture
// order. A stalled transport therefore shows up as growing queue depth —
// reported via [Controller.QueueDepth] and a warning log — rather than as
// dropped or reordered audio.
//
// A Controller is single-use. It starts in StatusConnecting, reaches
// StatusConnected once the provider handshake and both device opens
// succeed, and ends in StatusError or StatusClosed. Retry is the caller's
// decision, made by constructing a fresh Controller.
//
// This package is internal because it encapsulates application-private
// voice pipeline logic and is not intended for import by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/genpozi/parley/internal/observe"
	"github.com/genpozi/parley/pkg/audio"
	"github.com/genpozi/parley/pkg/audio/capture"
	"github.com/genpozi/parley/pkg/audio/playback"
	"github.com/genpozi/parley/pkg/provider/realtime"
)

// Terminal session errors. The cause reported by [Controller.Err] wraps one
// of these sentinels, so callers can classify failures with [errors.Is]
// while still seeing the underlying fault.
var (
	// ErrDeviceFailure marks microphone or speaker faults: open failed,
	// permission denied, or the device stopped mid-session.
	ErrDeviceFailure = errors.New("engine: audio device failure")

	// ErrTransportFailure marks provider connection faults: connect, send
	// or receive failed.
	ErrTransportFailure = errors.New("engine: transport failure")

	// ErrHandshakeTimeout marks a provider handshake that exceeded
	// [Config.HandshakeTimeout].
	ErrHandshakeTimeout = errors.New("engine: handshake timeout")
)

// errClosed is returned by Start when Close wins the race against session
// establishment.
var errClosed = errors.New("engine: session closed")

const (
	// defaultHandshakeTimeout bounds Provider.Connect. Realtime providers
	// answer in well under a second; ten covers a congested first dial.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultQueueWarnDepth is the outbound queue depth above which the
	// controller logs that the transport is not keeping up. At 20ms frames
	// this is just over five seconds of backed-up audio.
	defaultQueueWarnDepth = 256

	// monitorInterval is how often pipeline health (queue depth, dropped
	// frames) is sampled and reported.
	monitorInterval = time.Second
)

// Status is the lifecycle state of a Controller.
type Status int

const (
	// StatusConnecting is the initial state: provider handshake and device
	// opens are in progress.
	StatusConnecting Status = iota

	// StatusConnected is the only state in which audio flows.
	StatusConnected

	// StatusError is terminal: the session failed and all resources are
	// released. Err reports the cause.
	StatusError

	// StatusClosed is terminal: the session ended cleanly, either by the
	// caller or by the remote side.
	StatusClosed
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Config configures a Controller.
type Config struct {
	// Provider establishes the remote session. Required.
	Provider realtime.Provider

	// Session carries the instructions and voice sent once at connect time.
	Session realtime.SessionConfig

	// Capture configures the microphone. Zero values pick the capture
	// package defaults (48 kHz mono, 20ms frames).
	Capture capture.Config

	// Playback configures the speaker. A zero Format plays at 48 kHz mono.
	Playback playback.SinkConfig

	// HandshakeTimeout bounds the provider handshake. Defaults to 10s.
	HandshakeTimeout time.Duration

	// QueueWarnDepth is the outbound queue depth above which the stalled
	// transport warning is logged. Defaults to 256 chunks.
	QueueWarnDepth int

	// Metrics receives pipeline instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithSourceOpener replaces how the microphone is opened. Primarily used in
// tests to substitute a fake capture device.
func WithSourceOpener(open func(capture.Config) (capture.Source, error)) Option {
	return func(c *Controller) { c.openSource = open }
}

// WithSinkOpener replaces how the speaker is opened. Primarily used in
// tests to substitute a fake playback device.
func WithSinkOpener(open func(playback.SinkConfig) (playback.Sink, error)) Option {
	return func(c *Controller) { c.openSink = open }
}

// Controller is the session state machine. It is safe for concurrent use:
// observables may be polled from any goroutine while the pipeline runs.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics

	openSource func(capture.Config) (capture.Source, error)
	openSink   func(playback.SinkConfig) (playback.Sink, error)

	// Audio formats, fixed once Start resolves the provider capabilities.
	captureFmt audio.Format // what the microphone delivers
	wireInFmt  audio.Format // what the provider expects inbound
	wireOutFmt audio.Format // what the provider produces
	playFmt    audio.Format // what the speaker plays

	providerAttr metric.MeasurementOption

	mu       sync.Mutex
	status   Status
	errVal   error
	started  bool
	closed   bool
	counted  bool // ActiveSessions was incremented
	source   capture.Source
	sched    *playback.Scheduler
	sess     realtime.SessionHandle
	queue    *sendQueue

	// ctx is the session-scoped context; teardown cancels it, which stops
	// every pipeline goroutine and the capture device.
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks the pipeline goroutines started on entering Connected:
	//   - capturePump: microphone frames → encode → send queue
	//   - sender: send queue → provider, in strict capture order
	//   - receiver: provider audio → decode → playback scheduler
	//   - interruptWatch: barge-in markers → scheduler interrupt
	//   - deviceWatch: capture device faults → session failure
	//   - monitor: queue depth and dropped-frame reporting
	// Close waits for all of them so no callback outlives the session.
	wg sync.WaitGroup

	teardownOnce sync.Once
	done         chan struct{}
}

// New creates a Controller for one session over cfg.Provider. The remote
// connection is not dialed until [Controller.Start].
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.QueueWarnDepth <= 0 {
		cfg.QueueWarnDepth = defaultQueueWarnDepth
	}
	if cfg.Playback.Format == (audio.Format{}) {
		cfg.Playback.Format = audio.Format{SampleRate: 48000, Channels: 1}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		metrics:    cfg.Metrics,
		openSource: capture.Open,
		openSink:   playback.OpenSink,
		status:     StatusConnecting,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start dials the provider, opens the audio devices and brings the pipeline
// up. It returns once the session is Connected, or with the terminal error
// when any stage fails. ctx bounds establishment only; the running session
// is bounded by [Controller.Close].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("engine: session already started")
	}
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.started = true
	c.mu.Unlock()

	// Handshake. A timeout is a distinct failure class so callers can tell
	// "provider slow" apart from "provider rejected us".
	began := time.Now()
	hsCtx, hsCancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	sess, err := c.cfg.Provider.Connect(hsCtx, c.cfg.Session)
	hsCancel()
	if err != nil {
		werr := errors.Join(ErrTransportFailure, err)
		if errors.Is(err, context.DeadlineExceeded) {
			werr = errors.Join(ErrHandshakeTimeout, err)
		}
		c.fail("handshake", werr)
		return werr
	}
	c.metrics.RecordHandshake(ctx, c.cfg.Provider.Name(), time.Since(began).Seconds())

	caps := c.cfg.Provider.Capabilities()
	channels := caps.Channels
	if channels <= 0 {
		channels = 1
	}
	c.captureFmt = c.cfg.Capture.Format()
	c.wireInFmt = audio.Format{SampleRate: caps.InputSampleRate, Channels: channels}
	c.wireOutFmt = audio.Format{SampleRate: caps.OutputSampleRate, Channels: channels}
	c.playFmt = c.cfg.Playback.Format
	c.providerAttr = metric.WithAttributes(observe.Attr("provider", c.cfg.Provider.Name()))

	// Open both devices concurrently; either failing fails the session
	// before it ever reaches Connected.
	var (
		source capture.Source
		sink   playback.Sink
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		s, err := c.openSource(c.cfg.Capture)
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		source = s
		return nil
	})
	g.Go(func() error {
		s, err := c.openSink(c.cfg.Playback)
		if err != nil {
			return fmt.Errorf("open speaker: %w", err)
		}
		sink = s
		return nil
	})
	if err := g.Wait(); err != nil {
		if source != nil {
			_ = source.Close()
		}
		if sink != nil {
			_ = sink.Close()
		}
		_ = sess.Close()
		werr := errors.Join(ErrDeviceFailure, err)
		c.fail("device", werr)
		return werr
	}

	if err := source.Start(c.ctx); err != nil {
		_ = source.Close()
		_ = sink.Close()
		_ = sess.Close()
		werr := errors.Join(ErrDeviceFailure, fmt.Errorf("start capture: %w", err))
		c.fail("device", werr)
		return werr
	}

	sched := playback.New(sink, c.playFmt)

	c.mu.Lock()
	if c.closed {
		// Close raced establishment; release what was just built.
		c.mu.Unlock()
		_ = source.Close()
		_ = sched.Close()
		_ = sess.Close()
		return errClosed
	}
	c.source, c.sched, c.sess = source, sched, sess
	c.queue = newSendQueue()
	c.status = StatusConnected
	c.counted = true
	c.metrics.ActiveSessions.Add(ctx, 1)

	c.wg.Add(6)
	go func() { defer c.wg.Done(); c.capturePump() }()
	go func() { defer c.wg.Done(); c.sender() }()
	go func() { defer c.wg.Done(); c.receiver() }()
	go func() { defer c.wg.Done(); c.interruptWatch() }()
	go func() { defer c.wg.Done(); c.deviceWatch() }()
	go func() { defer c.wg.Done(); c.monitor() }()
	c.mu.Unlock()

	slog.Info("voice session connected",
		"provider", c.cfg.Provider.Name(),
		"capture", c.captureFmt,
		"wire_in", c.wireInFmt,
		"wire_out", c.wireOutFmt,
		"playback", c.playFmt,
	)
	return nil
}

// ── Pipeline goroutines ────────────────────────────────────────────────────────

// capturePump encodes every microphone frame to the provider's wire format
// and queues it. It never blocks on the transport: the queue absorbs any
// send latency so capture cadence is preserved.
func (c *Controller) capturePump() {
	for {
		select {
		case frame, ok := <-c.source.Frames():
			if !ok {
				return
			}
			c.queue.Push(audio.Convert(frame.Data, c.captureFmt, c.wireInFmt))
			c.metrics.FramesCaptured.Add(c.ctx, 1)
		case <-c.ctx.Done():
			return
		}
	}
}

// sender drains the queue one chunk at a time so chunks reach the provider
// in exactly the order their frames were captured.
func (c *Controller) sender() {
	for {
		chunk, err := c.queue.Pop(c.ctx)
		if err != nil {
			return
		}
		if err := c.sess.SendAudio(chunk); err != nil {
			if c.ctx.Err() != nil {
				// Teardown closed the session under us.
				return
			}
			c.fail("transport", errors.Join(ErrTransportFailure, fmt.Errorf("send audio: %w", err)))
			return
		}
		c.metrics.ChunksSent.Add(c.ctx, 1, c.providerAttr)
	}
}

// receiver decodes inbound provider audio to the playback format and
// schedules it. The provider's audio channel closing is the session-over
// signal: with a recorded error it means transport failure, without one the
// remote ended the session cleanly.
func (c *Controller) receiver() {
	for {
		select {
		case chunk, ok := <-c.sess.Audio():
			if !ok {
				if c.ctx.Err() != nil {
					return
				}
				if err := c.sess.Err(); err != nil {
					c.fail("transport", errors.Join(ErrTransportFailure, err))
				} else {
					c.remoteClosed()
				}
				return
			}
			pcm := audio.Convert(chunk, c.wireOutFmt, c.playFmt)
			if _, err := c.sched.Schedule(pcm); err != nil {
				if c.ctx.Err() != nil || errors.Is(err, playback.ErrSchedulerClosed) {
					return
				}
				c.fail("device", errors.Join(ErrDeviceFailure, fmt.Errorf("schedule playback: %w", err)))
				return
			}
			c.metrics.ChunksReceived.Add(c.ctx, 1, c.providerAttr)
			c.metrics.BuffersScheduled.Add(c.ctx, 1)
		case <-c.ctx.Done():
			return
		}
	}
}

// interruptWatch flushes scheduled playback whenever the remote reports the
// user spoke over it. The scheduler's interrupt is authoritative: anything
// decoded but not yet audible is discarded with it.
func (c *Controller) interruptWatch() {
	for {
		select {
		case _, ok := <-c.sess.Interruptions():
			if !ok {
				return
			}
			c.sched.Interrupt()
			c.metrics.RecordInterruption(c.ctx, "remote")
			slog.Debug("barge-in: playback flushed")
		case <-c.ctx.Done():
			return
		}
	}
}

// deviceWatch turns a capture device fault into session failure. The
// capture package never retries a broken device and neither does the
// controller.
func (c *Controller) deviceWatch() {
	select {
	case err, ok := <-c.source.Errors():
		if !ok {
			return
		}
		c.fail("device", errors.Join(ErrDeviceFailure, err))
	case <-c.ctx.Done():
	}
}

// monitor samples pipeline health once a second: it maintains the queue
// depth gauge, logs when the transport stops keeping up, and reports frames
// the capture device had to drop.
func (c *Controller) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var reportedDepth int64
	var seenDropped uint64
	for {
		select {
		case <-ticker.C:
			depth := int64(c.queue.Depth())
			if depth != reportedDepth {
				c.metrics.SendQueueDepth.Add(c.ctx, depth-reportedDepth)
				reportedDepth = depth
			}
			if depth >= int64(c.cfg.QueueWarnDepth) {
				slog.Warn("outbound audio queue backing up; transport may be stalled",
					"depth", depth, "warn_depth", c.cfg.QueueWarnDepth)
			}
			if dropped := c.source.Dropped(); dropped > seenDropped {
				c.metrics.FramesDropped.Add(c.ctx, int64(dropped-seenDropped))
				slog.Warn("capture frames dropped", "total", dropped)
				seenDropped = dropped
			}
		case <-c.ctx.Done():
			if reportedDepth != 0 {
				c.metrics.SendQueueDepth.Add(context.Background(), -reportedDepth)
			}
			return
		}
	}
}

// ── Terminal transitions ───────────────────────────────────────────────────────

// fail moves the session to StatusError with err and releases every
// resource. The first terminal transition wins; anything failing during or
// after teardown is expected noise and ignored.
func (c *Controller) fail(stage string, err error) {
	c.mu.Lock()
	if c.status == StatusError || c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusError
	c.errVal = err
	c.mu.Unlock()

	c.metrics.RecordSessionError(context.Background(), stage)
	slog.Error("voice session failed", "stage", stage, "error", err)
	c.teardown()
}

// remoteClosed handles the provider ending the session without an error.
func (c *Controller) remoteClosed() {
	c.mu.Lock()
	if c.status == StatusError || c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.mu.Unlock()

	slog.Info("remote closed the voice session")
	c.teardown()
}

// teardown releases the session's resources exactly once: it cancels the
// pipeline context, stops the capture device, flushes and closes playback,
// and closes the provider session. It never waits for the pipeline
// goroutines — Close does — and must not be called with c.mu held.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		source, sched, sess, queue := c.source, c.sched, c.sess, c.queue
		counted := c.counted
		c.mu.Unlock()

		if queue != nil {
			queue.Close()
		}
		if source != nil {
			_ = source.Close()
			if dropped := source.Dropped(); dropped > 0 {
				slog.Warn("session ended with dropped capture frames", "dropped", dropped)
			}
		}
		if sched != nil {
			sched.Interrupt()
			_ = sched.Close()
		}
		if sess != nil {
			_ = sess.Close()
		}
		if counted {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		close(c.done)
	})
}

// Close ends the session from any state and blocks until every pipeline
// goroutine has stopped; afterwards no device callback fires again.
// Idempotent, and safe to call concurrently with Start. A session that
// already failed keeps StatusError and its recorded cause.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.status != StatusError {
		c.status = StatusClosed
	}
	c.mu.Unlock()

	c.teardown()
	c.wg.Wait()
	return nil
}

// Interrupt discards every scheduled playback buffer immediately, exactly
// as a remote barge-in marker would. No-op before the session is connected
// or after it ended.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return
	}
	sched.Interrupt()
	c.metrics.RecordInterruption(c.ctx, "local")
	slog.Debug("barge-in: playback flushed", "source", "local")
}

// ── Observables ────────────────────────────────────────────────────────────────

// Status reports the session's lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err reports the terminal failure cause, or nil while the session is
// healthy or after a clean close. The result wraps one of the sentinel
// errors ([ErrDeviceFailure], [ErrTransportFailure], [ErrHandshakeTimeout]).
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// RemoteSpeaking reports whether remote audio is currently scheduled for
// playback. It flips false the moment an interruption flushes the schedule.
func (c *Controller) RemoteSpeaking() bool {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	return sched != nil && sched.Speaking()
}

// Volume reports the level of whichever side is audible, in [0, 1]: the
// scheduled remote audio while the remote is speaking, the microphone
// otherwise.
func (c *Controller) Volume() float64 {
	c.mu.Lock()
	source, sched := c.source, c.sched
	c.mu.Unlock()

	if sched != nil && sched.Speaking() {
		return sched.Level()
	}
	if source != nil {
		return source.Level()
	}
	return 0
}

// QueueDepth reports how many encoded chunks are waiting for the sender. A
// depth that keeps growing means the transport has stalled and the caller
// should consider aborting the session.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue == nil {
		return 0
	}
	return queue.Depth()
}

// Done is closed once the session has reached a terminal state and its
// resources are released. After Done, Close still must be called to wait
// out the pipeline goroutines.
func (c *Controller) Done() <-chan struct{} { return c.done }
