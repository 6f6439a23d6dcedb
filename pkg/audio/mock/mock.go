// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Source], and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(16)
//	dev := &mock.Device{OpenResult: src}
//	got, err := dev.Open(ctx)
//	src.Push(frame)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] backed by a buffered
// channel. Use [NewSource] to construct one.
type Source struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool

	// DisconnectError is returned by [Source.Disconnect] on every call.
	DisconnectError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// NewSource returns a Source whose frame channel has the given buffer size.
func NewSource(buffer int) *Source {
	return &Source{frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame {
	return s.frames
}

// Push delivers f on the frame channel. It reports false if the source has
// already been disconnected or the buffer is full.
func (s *Source) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Queued returns the number of frames pushed but not yet received.
func (s *Source) Queued() int {
	return len(s.frames)
}

// End closes the frame channel without counting as a Disconnect, simulating
// the device going away underneath the session.
func (s *Source) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Disconnect implements [audio.Source]. It closes the frame channel on first
// call and returns DisconnectError.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountDisconnect++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.DisconnectError
}

// Disconnects returns CallCountDisconnect under the lock.
func (s *Source) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountDisconnect
}

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenResult is the [audio.Source] returned by Open.
	OpenResult audio.Source

	// OpenError is the error returned by Open. When set, OpenResult is ignored.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// PlayCall records a single [Sink.Play] invocation.
type PlayCall struct {
	// PCM holds everything read from the reader.
	PCM []byte
	// Format is the format argument.
	Format audio.Format
}

// Sink is a mock implementation of [audio.Sink]. Play reads the whole stream
// before returning, unless Block is set.
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by Play after the stream is consumed.
	PlayError error

	// Block, when non-nil, makes Play wait until the channel is closed or ctx
	// is cancelled before it returns.
	Block chan struct{}

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, r io.Reader, format audio.Format) error {
	pcm, err := io.ReadAll(r)
	s.mu.Lock()
	s.PlayCalls = append(s.PlayCalls, PlayCall{PCM: pcm, Format: format})
	block, playErr := s.Block, s.PlayError
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return playErr
}

// Calls returns a snapshot of PlayCalls.
func (s *Sink) Calls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}
