package audio

import (
	"context"
	"io"
)

// Device is the abstraction over a local audio input such as a microphone.
//
// Implementations must be safe for concurrent use. The canonical production
// implementation lives in pkg/audio/malgo; tests use pkg/audio/mock.
type Device interface {
	// Open acquires the capture hardware and starts streaming frames.
	//
	// Open blocks until the device is running or ctx is cancelled. A failure
	// here means the microphone is unavailable; callers surface it as a
	// session-start failure.
	Open(ctx context.Context) (Source, error)
}

// Source is a live capture stream returned by [Device.Open].
type Source interface {
	// Frames returns the channel on which captured frames are delivered in
	// capture order. The channel is closed when the source is disconnected or
	// the underlying device stops.
	Frames() <-chan AudioFrame

	// Disconnect stops capture and releases the device. It closes the channel
	// returned by Frames.
	//
	// Disconnect is idempotent: calling it more than once returns nil and has
	// no additional effect.
	Disconnect() error
}

// Sink plays PCM audio through a local output device such as speakers.
type Sink interface {
	// Play writes the PCM stream read from r to the output device and blocks
	// until the stream is exhausted and playback has drained, or until ctx is
	// cancelled. The stream must match format.
	Play(ctx context.Context, r io.Reader, format Format) error
}
