package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/genpozi/parley/pkg/audio"
)

// ErrSchedulerClosed is returned by Schedule after Close.
var ErrSchedulerClosed = errors.New("playback: scheduler closed")

// Buffer is one scheduled stretch of remote speech. Start and End are the
// interval it occupies on the scheduler's virtual clock; IDs are
// generation-tagged so a buffer issued before an interrupt can never be
// confused with one issued after.
type Buffer struct {
	ID       uint64
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOnComplete registers a callback invoked once per buffer when its
// scheduled interval elapses naturally. Interrupted buffers never complete.
// The callback runs on the scheduler's own goroutine; keep it brief, a
// blocked callback stalls buffer retirement and Close.
func WithOnComplete(fn func(Buffer)) Option {
	return func(s *Scheduler) { s.onComplete = fn }
}

// Scheduler assigns each incoming PCM buffer a contiguous play interval and
// writes its bytes straight through to the sink. For back-to-back buffers
// the invariant holds that a buffer's Start equals its predecessor's End —
// gapless by construction. After idle time the next buffer starts "now".
type Scheduler struct {
	sink       Sink
	format     audio.Format
	now        func() time.Time
	onComplete func(Buffer)

	mu        sync.Mutex
	nextStart time.Time
	inflight  []Buffer
	gen       uint64
	seq       uint64
	closed    bool

	level  audio.Meter
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds a scheduler over an open sink and takes ownership of it. The
// virtual clock starts at "now".
func New(sink Sink, format audio.Format, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		format: format,
		now:    time.Now,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.nextStart = s.now()
	s.wg.Add(1)
	go s.completionLoop()
	return s
}

// Schedule assigns pcm the next contiguous interval and writes it to the
// sink. Empty input is a no-op. The sink write happens under the scheduler
// lock so device byte order always matches the logical schedule; sinks are
// required to make Write a quick buffer append.
func (s *Scheduler) Schedule(pcm []byte) (Buffer, error) {
	d := audio.Duration(len(pcm), s.format)
	if d <= 0 {
		return Buffer{}, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Buffer{}, ErrSchedulerClosed
	}
	start := s.nextStart
	if now := s.now(); start.Before(now) {
		start = now
	}
	s.seq++
	b := Buffer{
		ID:       s.gen<<32 | s.seq,
		Start:    start,
		End:      start.Add(d),
		Duration: d,
	}
	s.nextStart = b.End
	s.inflight = append(s.inflight, b)
	s.level.Set(audio.Level(pcm))
	err := s.sink.Write(pcm)
	s.mu.Unlock()

	s.kick()
	if err != nil {
		return b, err
	}
	return b, nil
}

// Interrupt cancels all in-flight buffers, resets the clock to "now" and
// flushes the sink. Idempotent, and authoritative against concurrent
// Schedule calls: a schedule that loses the race lands in the next
// generation and starts at "now".
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cancelled := len(s.inflight)
	s.inflight = nil
	s.nextStart = s.now()
	s.gen++
	s.level.Set(0)
	err := s.sink.Flush()
	s.mu.Unlock()

	if err != nil {
		slog.Warn("playback sink flush failed", "error", err)
	}
	if cancelled > 0 {
		slog.Debug("playback interrupted", "cancelled", cancelled)
	}
	s.kick()
}

// Speaking reports whether any scheduled buffer's interval is still open.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) > 0
}

// InFlight returns the number of scheduled, not yet completed buffers.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Level is the RMS of the most recently scheduled buffer, in [0, 1]. It
// drops to 0 on interrupt.
func (s *Scheduler) Level() float64 { return s.level.Value() }

// Close stops the completion loop and closes the sink. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.inflight = nil
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.sink.Close()
}

// kick wakes the completion loop; the 1-buffered channel coalesces bursts.
func (s *Scheduler) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// completionLoop retires buffers as their intervals elapse. It sleeps until
// the head buffer's End and re-evaluates whenever the schedule changes.
func (s *Scheduler) completionLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := s.now()
		var fired []Buffer
		for len(s.inflight) > 0 && !s.inflight[0].End.After(now) {
			fired = append(fired, s.inflight[0])
			s.inflight = s.inflight[1:]
		}
		var wait time.Duration
		hasNext := len(s.inflight) > 0
		if hasNext {
			wait = s.inflight[0].End.Sub(now)
		}
		s.mu.Unlock()

		if s.onComplete != nil {
			for _, b := range fired {
				s.onComplete(b)
			}
		}

		if hasNext {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-s.done:
				return
			case <-timer.C:
			case <-s.notify:
			}
		} else {
			select {
			case <-s.done:
				return
			case <-s.notify:
			}
		}
	}
}
