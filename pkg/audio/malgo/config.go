// Package malgo implements [audio.Device] and [audio.Sink] on top of
// miniaudio through github.com/gen2brain/malgo. Audio is always exchanged
// as signed 16-bit little-endian PCM.
package malgo

import (
	"fmt"
	"log/slog"
	"strings"

	ma "github.com/gen2brain/malgo"
)

// Defaults match the microphone format the duplex controller analyses.
const (
	DefaultSampleRate = 44100
	DefaultChannels   = 1
	DefaultFrameSize  = 2048
	DefaultQueueSize  = 64
)

// Config describes the capture device.
type Config struct {
	// SampleRate in Hz. Zero selects [DefaultSampleRate].
	SampleRate int

	// Channels captured. Zero selects [DefaultChannels].
	Channels int

	// FrameSize is the number of samples per channel in each delivered
	// [audio.AudioFrame]. Zero selects [DefaultFrameSize].
	FrameSize int

	// QueueSize bounds the frame channel. Frames are dropped when the
	// consumer falls behind. Zero selects [DefaultQueueSize].
	QueueSize int

	// DeviceName selects a capture device whose name contains this string
	// (case-insensitive). Empty selects the system default.
	DeviceName string

	// Logger receives device and backend messages. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// initContext allocates a miniaudio context that logs through l.
func initContext(l *slog.Logger) (*ma.AllocatedContext, error) {
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		l.Debug("malgo: backend", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return ctx, nil
}

// deviceConfig builds a S16 device config for kind.
func deviceConfig(kind ma.DeviceType, sampleRate, channels int) ma.DeviceConfig {
	cfg := ma.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1
	switch kind {
	case ma.Capture:
		cfg.Capture.Format = ma.FormatS16
		cfg.Capture.Channels = uint32(channels)
	case ma.Playback:
		cfg.Playback.Format = ma.FormatS16
		cfg.Playback.Channels = uint32(channels)
	}
	return cfg
}

// findDevice returns the first device of kind whose name contains name.
func findDevice(ctx *ma.AllocatedContext, kind ma.DeviceType, name string) (ma.DeviceInfo, error) {
	infos, err := ctx.Devices(kind)
	if err != nil {
		return ma.DeviceInfo{}, fmt.Errorf("malgo: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info, nil
		}
	}
	return ma.DeviceInfo{}, fmt.Errorf("malgo: no device matching %q", name)
}
