package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// Device opens the microphone described by its [Config].
type Device struct {
	cfg Config
}

var _ audio.Device = (*Device)(nil)

// NewDevice returns a capture Device. No hardware is touched until Open.
func NewDevice(cfg Config) *Device {
	return &Device{cfg: cfg.withDefaults()}
}

// Format reports the format frames are captured in.
func (d *Device) Format() audio.Format {
	return audio.Format{SampleRate: d.cfg.SampleRate, Channels: d.cfg.Channels}
}

// Open initialises a capture device and starts streaming frames.
func (d *Device) Open(ctx context.Context) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := d.cfg.Logger

	mctx, err := initContext(log)
	if err != nil {
		return nil, err
	}

	dcfg := deviceConfig(ma.Capture, d.cfg.SampleRate, d.cfg.Channels)
	if d.cfg.DeviceName != "" {
		info, err := findDevice(mctx, ma.Capture, d.cfg.DeviceName)
		if err != nil {
			freeContext(mctx, log)
			return nil, err
		}
		dcfg.Capture.DeviceID = info.ID.Pointer()
	}

	s := &source{
		frames: make(chan audio.AudioFrame, d.cfg.QueueSize),
		asm:    newAssembler(d.cfg.SampleRate, d.cfg.Channels, d.cfg.FrameSize),
		mctx:   mctx,
		log:    log,
	}
	dev, err := ma.InitDevice(mctx.Context, dcfg, ma.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		freeContext(mctx, log)
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx, log)
		return nil, fmt.Errorf("malgo: start capture device: %w", err)
	}
	log.Info("malgo: capture started", "format", d.Format().String(), "device", d.cfg.DeviceName)
	return s, nil
}

// source is the live capture stream.
type source struct {
	frames chan audio.AudioFrame
	asm    *assembler
	mctx   *ma.AllocatedContext
	dev    *ma.Device
	log    *slog.Logger

	// mu serialises the data callback against Disconnect closing frames.
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64

	once    sync.Once
	discErr error
}

func (s *source) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *source) onData(_, in []byte, _ uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.asm.push(in, func(f audio.AudioFrame) {
		select {
		case s.frames <- f:
		default:
			if s.dropped.Add(1) == 1 {
				s.log.Warn("malgo: consumer is behind, dropping frames")
			}
		}
	})
}

// Disconnect stops the device, uninitialises it and frees the context.
func (s *source) Disconnect() error {
	s.once.Do(func() {
		var errs []error
		if err := s.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("malgo: stop capture device: %w", err))
		}
		s.dev.Uninit()

		s.mu.Lock()
		s.closed = true
		close(s.frames)
		s.mu.Unlock()

		if err := freeContext(s.mctx, s.log); err != nil {
			errs = append(errs, err)
		}
		s.discErr = errors.Join(errs...)
		s.log.Info("malgo: capture stopped", "dropped_frames", s.dropped.Load())
	})
	return s.discErr
}

func freeContext(ctx *ma.AllocatedContext, l *slog.Logger) error {
	err := ctx.Uninit()
	ctx.Free()
	if err != nil {
		l.Warn("malgo: uninit context", "err", err)
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}
