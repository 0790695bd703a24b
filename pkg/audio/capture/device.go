package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/genpozi/parley/pkg/audio"
)

// deviceSource is the malgo-backed microphone.
type deviceSource struct {
	cfg    Config
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	pump   *pump
	errs   chan error
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ Source = (*deviceSource)(nil)

// Open claims the configured capture device. Failure is terminal: the caller
// gets the error once and decides what to do; there is no retry here.
func Open(cfg Config) (Source, error) {
	cfg = cfg.withDefaults()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	s := &deviceSource{
		cfg:  cfg,
		mctx: mctx,
		pump: newPump(cfg.Format(), cfg.FrameBytes(), cfg.Buffer),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(cfg.FrameDuration.Milliseconds())

	if cfg.DeviceID != "" {
		id, err := findCaptureDevice(mctx, cfg.DeviceID)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		devCfg.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.pump.push(input)
		},
		Stop: func() {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case s.errs <- ErrDeviceStopped:
			default:
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	s.device = device
	return s, nil
}

func findCaptureDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("enumerate capture devices: %w", err)
	}
	for _, info := range infos {
		if info.Name() == name {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("capture device %q not found", name)
}

// Start begins frame delivery. Cancelling ctx closes the source, which also
// ends delivery.
func (s *deviceSource) Start(ctx context.Context) error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return nil
}

func (s *deviceSource) Frames() <-chan audio.Frame { return s.pump.out }

func (s *deviceSource) Errors() <-chan error { return s.errs }

func (s *deviceSource) Level() float64 { return s.pump.level.Value() }

func (s *deviceSource) Dropped() uint64 { return s.pump.dropped.Load() }

// Close stops and releases the device. Stopping is synchronous in the
// underlying backend, so once Uninit returns no data callback can run —
// which is what makes closing the frame channel here safe.
func (s *deviceSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)

	_ = s.device.Stop()
	s.device.Uninit()
	_ = s.mctx.Uninit()
	s.mctx.Free()
	close(s.pump.out)
	return nil
}
