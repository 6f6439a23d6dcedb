package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "44100Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatOf returns the [Format] of f.
func FormatOf(f AudioFrame) Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch and on the first misaligned frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	// Logger receives the one-shot warnings. Defaults to slog.Default().
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged. Frames whose byte count
// is not a whole number of samples come back with nil Data so callers can
// drop them. Channel folding happens before resampling.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	ch := max(frame.Channels, 1)
	if len(frame.Data)%(2*ch) != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", FormatOf(frame).String(),
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && ch == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		c.logger().Warn("audio format mismatch: converting",
			"from", FormatOf(frame).String(),
			"to", c.Target.String(),
		)
	})

	samples := Int16s(frame.Data)
	if ch != c.Target.Channels {
		samples = Remix(samples, ch, c.Target.Channels)
		ch = c.Target.Channels
	}
	if frame.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, ch, frame.SampleRate, c.Target.SampleRate)
	}

	return AudioFrame{
		Data:       PCM(samples),
		SampleRate: c.Target.SampleRate,
		Channels:   ch,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream wraps an input channel with a conversion goroutine. It closes
// the returned channel when in closes. Frames that convert to empty data are
// dropped.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// Int16s decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

// PCM encodes samples as little-endian 16-bit PCM.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// MonoFloats decodes the frame into mono samples normalised to [-1, 1).
// Interleaved channels are averaged.
func MonoFloats(f AudioFrame) []float64 {
	ch := max(f.Channels, 1)
	samples := Int16s(f.Data)
	n := len(samples) / ch
	out := make([]float64, n)
	for i := range n {
		var sum float64
		for c := range ch {
			sum += float64(samples[i*ch+c])
		}
		out[i] = sum / float64(ch) / 32768
	}
	return out
}

// Remix converts interleaved samples from src to dst channels. Down-mixing to
// mono averages all channels; up-mixing from mono duplicates the sample.
// Other layouts keep the first min(src, dst) channels and zero the rest.
func Remix(samples []int16, src, dst int) []int16 {
	if src == dst || src <= 0 || dst <= 0 {
		return samples
	}
	frames := len(samples) / src
	out := make([]int16, frames*dst)
	for i := range frames {
		in := samples[i*src : (i+1)*src]
		switch {
		case dst == 1:
			var sum int32
			for _, s := range in {
				sum += int32(s)
			}
			out[i] = clamp16(sum / int32(src))
		case src == 1:
			for c := range dst {
				out[i*dst+c] = in[0]
			}
		default:
			copy(out[i*dst:(i+1)*dst], in)
		}
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation per channel. Invalid rates return the input unchanged.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return samples
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(samples[idx*channels+c])
			s1 := float64(samples[next*channels+c])
			out[i*channels+c] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
