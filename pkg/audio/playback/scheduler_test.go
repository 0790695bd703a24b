package playback_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/genpozi/parley/pkg/audio"
	"github.com/genpozi/parley/pkg/audio/playback"
)

// fakeSink records writes and flushes; never touches a device.
type fakeSink struct {
	mu      sync.Mutex
	writes  [][]byte
	flushes int
	closes  int
}

func (f *fakeSink) Write(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSink) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSink) snapshot() (writes int, flushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes), f.flushes
}

// mono16k is the format used throughout: 16000 Hz mono PCM16 = 32000 bytes/s.
var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// pcmOfDuration builds a silent PCM buffer that plays for d in mono16k.
func pcmOfDuration(d time.Duration) []byte {
	n := int(int64(mono16k.BytesPerSecond()) * int64(d) / int64(time.Second))
	return make([]byte, n&^1)
}

func TestSchedule_BackToBackIsContiguous(t *testing.T) {
	t.Parallel()

	// Freeze the clock so interval arithmetic is exact.
	base := time.Now()
	s := playback.New(&fakeSink{}, mono16k, playback.WithClock(func() time.Time { return base }))
	defer s.Close()

	first, err := s.Schedule(pcmOfDuration(500 * time.Millisecond))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	second, err := s.Schedule(pcmOfDuration(300 * time.Millisecond))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if !first.Start.Equal(base) {
		t.Errorf("first.Start = %v, want %v", first.Start, base)
	}
	if got := first.End.Sub(first.Start); got != 500*time.Millisecond {
		t.Errorf("first duration = %v, want 500ms", got)
	}
	if !second.Start.Equal(first.End) {
		t.Errorf("second.Start = %v, want first.End %v", second.Start, first.End)
	}
	if got := second.End.Sub(second.Start); got != 300*time.Millisecond {
		t.Errorf("second duration = %v, want 300ms", got)
	}
}

func TestSchedule_AfterIdleStartsNow(t *testing.T) {
	t.Parallel()

	// Movable clock: schedule, let the interval lapse, schedule again.
	var clock atomic.Int64
	base := time.Now()
	clock.Store(0)
	now := func() time.Time { return base.Add(time.Duration(clock.Load())) }

	s := playback.New(&fakeSink{}, mono16k, playback.WithClock(now))
	defer s.Close()

	first, _ := s.Schedule(pcmOfDuration(100 * time.Millisecond))

	// Jump the clock a full second past the first buffer's end.
	clock.Store(int64(time.Second))
	second, _ := s.Schedule(pcmOfDuration(100 * time.Millisecond))

	if second.Start.Equal(first.End) {
		t.Error("idle gap should not be bridged: second buffer must start at now, not at first.End")
	}
	if !second.Start.Equal(base.Add(time.Second)) {
		t.Errorf("second.Start = %v, want now (%v)", second.Start, base.Add(time.Second))
	}
}

func TestSpeaking_FollowsInFlightSet(t *testing.T) {
	t.Parallel()

	s := playback.New(&fakeSink{}, mono16k)
	defer s.Close()

	if s.Speaking() {
		t.Fatal("fresh scheduler should not be speaking")
	}
	if _, err := s.Schedule(pcmOfDuration(60 * time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.Speaking() {
		t.Fatal("scheduler with an open interval should be speaking")
	}

	// Give the completion loop time to retire the buffer.
	time.Sleep(150 * time.Millisecond)
	if s.Speaking() {
		t.Error("scheduler should stop speaking once the interval elapses")
	}
}

func TestOnComplete_FiresOncePerBuffer(t *testing.T) {
	t.Parallel()

	var completed atomic.Int32
	s := playback.New(&fakeSink{}, mono16k,
		playback.WithOnComplete(func(playback.Buffer) { completed.Add(1) }))
	defer s.Close()

	s.Schedule(pcmOfDuration(30 * time.Millisecond))
	s.Schedule(pcmOfDuration(30 * time.Millisecond))

	time.Sleep(150 * time.Millisecond)
	if got := completed.Load(); got != 2 {
		t.Errorf("completions = %d, want 2", got)
	}
}

func TestInterrupt_CancelsAllAndResetsClock(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	var completed atomic.Int32
	s := playback.New(sink, mono16k,
		playback.WithOnComplete(func(playback.Buffer) { completed.Add(1) }))
	defer s.Close()

	// 500ms of audio, interrupted 100ms in.
	first, _ := s.Schedule(pcmOfDuration(500 * time.Millisecond))
	s.Schedule(pcmOfDuration(300 * time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	before := time.Now()
	s.Interrupt()

	if s.Speaking() {
		t.Error("interrupt must empty the in-flight set immediately")
	}
	if s.InFlight() != 0 {
		t.Errorf("in-flight = %d, want 0", s.InFlight())
	}
	if _, flushes := sink.snapshot(); flushes != 1 {
		t.Errorf("sink flushes = %d, want 1", flushes)
	}

	// The next buffer starts at "now", not at the cancelled schedule's end.
	next, _ := s.Schedule(pcmOfDuration(100 * time.Millisecond))
	if next.Start.Before(before) {
		t.Errorf("next.Start = %v, want >= interrupt time %v", next.Start, before)
	}
	if next.Start.After(before.Add(200 * time.Millisecond)) {
		t.Errorf("next.Start = %v, too far after interrupt time %v", next.Start, before)
	}
	if next.ID <= first.ID {
		t.Errorf("post-interrupt ID %d should outrank pre-interrupt ID %d (new generation)", next.ID, first.ID)
	}

	// Cancelled buffers never complete; only the post-interrupt one does.
	time.Sleep(200 * time.Millisecond)
	if got := completed.Load(); got != 1 {
		t.Errorf("completions = %d, want 1 (cancelled buffers must not complete)", got)
	}
}

func TestInterrupt_Idempotent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	s := playback.New(sink, mono16k)
	defer s.Close()

	s.Schedule(pcmOfDuration(200 * time.Millisecond))
	s.Interrupt()
	s.Interrupt()
	s.Interrupt()

	if s.Speaking() {
		t.Error("still speaking after interrupts")
	}
	if _, flushes := sink.snapshot(); flushes != 3 {
		t.Errorf("each interrupt should flush; got %d flushes", flushes)
	}
}

func TestInterrupt_ConcurrentWithSchedule(t *testing.T) {
	t.Parallel()

	s := playback.New(&fakeSink{}, mono16k)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Schedule(pcmOfDuration(10 * time.Millisecond))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Interrupt()
			}
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, the schedule must still be coherent:
	// an interrupt now leaves nothing in flight.
	s.Interrupt()
	if s.InFlight() != 0 {
		t.Errorf("in-flight = %d after final interrupt, want 0", s.InFlight())
	}
}

func TestSchedule_EmptyBufferIsNoOp(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	s := playback.New(sink, mono16k)
	defer s.Close()

	b, err := s.Schedule(nil)
	if err != nil {
		t.Fatalf("schedule(nil): %v", err)
	}
	if b.ID != 0 || s.Speaking() {
		t.Error("empty buffer must not occupy the schedule")
	}
	if writes, _ := sink.snapshot(); writes != 0 {
		t.Errorf("sink writes = %d, want 0", writes)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	s := playback.New(sink, mono16k)
	s.Schedule(pcmOfDuration(300 * time.Millisecond))

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sink.closes != 1 {
		t.Errorf("sink closed %d times, want 1", sink.closes)
	}
	if _, err := s.Schedule(pcmOfDuration(20 * time.Millisecond)); err == nil {
		t.Error("schedule after close should fail")
	}
}

func TestLevel_TracksScheduledAudio(t *testing.T) {
	t.Parallel()

	s := playback.New(&fakeSink{}, mono16k)
	defer s.Close()

	loud := make([]byte, 640)
	for i := 0; i < len(loud); i += 2 {
		loud[i] = 0xFF
		loud[i+1] = 0x3F // 16383 per sample
	}
	s.Schedule(loud)
	if s.Level() <= 0 {
		t.Error("level should be positive after scheduling loud audio")
	}
	s.Interrupt()
	if s.Level() != 0 {
		t.Errorf("level = %f after interrupt, want 0", s.Level())
	}
}
