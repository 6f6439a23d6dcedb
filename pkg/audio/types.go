package audio

import "time"

// AudioFrame represents a single slice of captured or synthesized audio.
// Frames are the atomic unit of audio transport: captured from a [Source],
// classified by the spectral filter, buffered for export, forwarded to the
// recognizer and played through a [Sink].
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM, channels interleaved.
	Data []byte

	// SampleRate in Hz (e.g., 44100 for the microphone, 24000 for TTS output).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SampleCount returns the number of samples per channel held by f.
// A frame with a non-positive channel count is treated as mono.
func (f AudioFrame) SampleCount() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the playback length of f. It is zero when the sample rate
// is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SampleCount()) * time.Second / time.Duration(f.SampleRate)
}
