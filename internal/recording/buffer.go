// Package recording accumulates accepted user-speech frames and exports them
// as a WAV payload to object storage, with optional batch transcription and
// a PostgreSQL catalog entry per export.
package recording

import (
	"sync"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// Buffer is an ordered, append-only sequence of accepted frames for the
// current recording cycle. It is safe for concurrent use.
//
// The zero value is an empty buffer ready for use.
type Buffer struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

// Append adds f to the end of the buffer.
func (b *Buffer) Append(f audio.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
}

// ExportAll returns every buffered frame in append order and clears the
// buffer. An empty buffer yields an empty, non-nil slice.
func (b *Buffer) ExportAll() []audio.AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	if out == nil {
		out = []audio.AudioFrame{}
	}
	return out
}

// Clear discards every buffered frame.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
