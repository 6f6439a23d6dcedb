// Package synth adapts a streaming [tts.Provider] and an [audio.Sink] to the
// synthesizer contract of the duplex controller.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/provider/tts"
)

// Option configures a [Speaker].
type Option func(*Speaker)

// WithVoice sets the voice used for every utterance.
func WithVoice(v tts.VoiceProfile) Option {
	return func(s *Speaker) { s.voice = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// WithProviderName labels provider metrics. Default "tts".
func WithProviderName(name string) Option {
	return func(s *Speaker) { s.name = name }
}

// Speaker synthesizes text and plays it through a sink.
type Speaker struct {
	provider tts.Provider
	sink     audio.Sink
	voice    tts.VoiceProfile
	name     string
	log      *slog.Logger
	metrics  *observe.Metrics
}

// New returns a Speaker that plays p's output on sink.
func New(p tts.Provider, sink audio.Sink, opts ...Option) *Speaker {
	s := &Speaker{
		provider: p,
		sink:     sink,
		name:     "tts",
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Speak starts synthesis of text and returns once the stream is open.
// Playback runs in the background; onEnd receives its result exactly once.
// Cancelling ctx stops playback and onEnd gets the context error.
func (s *Speaker) Speak(ctx context.Context, text string, onEnd func(error)) error {
	ctx, span := observe.StartSpan(ctx, "synth.speak")
	span.SetAttributes(attribute.Int("synth.chars", len(text)))

	in := make(chan string, 1)
	in <- text
	close(in)

	chunks, err := s.provider.SynthesizeStream(ctx, in, s.voice)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.name, "synthesize", "error")
		s.metrics.RecordProviderError(ctx, s.name, "synthesize")
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return fmt.Errorf("synth: start synthesis: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.name, "synthesize", "ok")

	go func() {
		defer span.End()
		start := time.Now()
		err := s.play(ctx, chunks)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		observe.WithTrace(s.log, ctx).Debug("synth: playback finished", "duration", time.Since(start), "err", err)
		onEnd(err)
	}()
	return nil
}

func (s *Speaker) play(ctx context.Context, chunks <-chan []byte) error {
	pr, pw := io.Pipe()
	go func() {
		for chunk := range chunks {
			if _, err := pw.Write(chunk); err != nil {
				audio.Drain(chunks)
				break
			}
		}
		pw.CloseWithError(ctx.Err())
	}()

	err := s.sink.Play(ctx, pr, s.provider.Format())
	// Unblocks the writer if the sink stopped reading early.
	_ = pr.Close()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("synth: play: %w", err)
	}
	return err
}
