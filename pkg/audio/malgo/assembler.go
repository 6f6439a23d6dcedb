package malgo

import (
	"time"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// assembler cuts the byte stream delivered by the capture callback into
// fixed-size frames stamped with their offset from stream start.
type assembler struct {
	sampleRate int
	channels   int
	frameBytes int

	buf     []byte
	emitted int64 // samples per channel already framed
}

func newAssembler(sampleRate, channels, frameSize int) *assembler {
	frameBytes := frameSize * channels * 2
	return &assembler{
		sampleRate: sampleRate,
		channels:   channels,
		frameBytes: frameBytes,
		buf:        make([]byte, 0, frameBytes*2),
	}
}

// push appends captured bytes and calls emit for every complete frame.
func (a *assembler) push(in []byte, emit func(audio.AudioFrame)) {
	a.buf = append(a.buf, in...)
	for len(a.buf) >= a.frameBytes {
		data := make([]byte, a.frameBytes)
		copy(data, a.buf[:a.frameBytes])
		a.buf = a.buf[a.frameBytes:]

		f := audio.AudioFrame{
			Data:       data,
			SampleRate: a.sampleRate,
			Channels:   a.channels,
			Timestamp:  a.offset(),
		}
		a.emitted += int64(a.frameBytes / (2 * a.channels))
		emit(f)
	}
	// Compact so the backing array does not grow without bound.
	if cap(a.buf) > a.frameBytes*4 {
		a.buf = append(make([]byte, 0, a.frameBytes*2), a.buf...)
	}
}

// offset converts the emitted sample count to a duration. Whole seconds are
// split off first so the multiplication cannot overflow on long captures.
func (a *assembler) offset() time.Duration {
	rate := int64(a.sampleRate)
	sec, rem := a.emitted/rate, a.emitted%rate
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate)
}
