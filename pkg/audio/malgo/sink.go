package malgo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// Sink plays PCM through the default output device. Each Play call opens its
// own playback device, so utterances in different formats need no resampling.
type Sink struct {
	log *slog.Logger
}

var _ audio.Sink = (*Sink)(nil)

// NewSink returns a Sink. A nil logger selects slog.Default().
func NewSink(l *slog.Logger) *Sink {
	if l == nil {
		l = slog.Default()
	}
	return &Sink{log: l}
}

// Play streams r to the speakers until r is exhausted or ctx is cancelled.
func (s *Sink) Play(ctx context.Context, r io.Reader, format audio.Format) error {
	if format.SampleRate <= 0 {
		return fmt.Errorf("malgo: invalid playback format %s", format)
	}
	channels := max(format.Channels, 1)

	mctx, err := initContext(s.log)
	if err != nil {
		return err
	}
	defer freeContext(mctx, s.log)

	p := newPlayer(r)
	dev, err := ma.InitDevice(mctx.Context, deviceConfig(ma.Playback, format.SampleRate, channels), ma.DeviceCallbacks{
		Data: p.onData,
	})
	if err != nil {
		return fmt.Errorf("malgo: init playback device: %w", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return fmt.Errorf("malgo: start playback device: %w", err)
	}
	defer dev.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.done:
		return err
	}
}

// player feeds the playback callback from a reader. The callback must not
// block on the network, so a goroutine moves data from r into a buffer.
type player struct {
	mu   sync.Mutex
	buf  []byte
	eof  bool
	rerr error

	done     chan error
	doneOnce sync.Once
}

func newPlayer(r io.Reader) *player {
	p := &player{done: make(chan error, 1)}
	go p.fill(r)
	return p
}

func (p *player) fill(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		p.mu.Lock()
		p.buf = append(p.buf, chunk[:n]...)
		if err != nil {
			p.eof = true
			if !errors.Is(err, io.EOF) {
				p.rerr = err
			}
		}
		p.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (p *player) onData(out, _ []byte, _ uint32) {
	p.mu.Lock()
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	finished := p.eof && len(p.buf) == 0
	rerr := p.rerr
	p.mu.Unlock()

	clear(out[n:])
	if finished {
		p.doneOnce.Do(func() { p.done <- rerr })
	}
}
