// Package recognize adapts a streaming [stt.Provider] to the recognizer
// contract of the duplex controller: one provider stream per Start/Stop
// cycle, frames converted to the stream format, results forwarded to a
// single callback.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/provider/stt"
)

// DefaultLanguage is the recognition language used when none is configured.
const DefaultLanguage = "en-US"

// ErrNotStarted is returned by Feed while no stream is open.
var ErrNotStarted = errors.New("recognize: stream not started")

// Option configures a [Recognizer].
type Option func(*Recognizer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recognizer) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recognizer) { r.metrics = m }
}

// WithProviderName labels provider metrics. Default "stt".
func WithProviderName(name string) Option {
	return func(r *Recognizer) { r.name = name }
}

// Recognizer streams captured frames to an STT provider.
type Recognizer struct {
	provider stt.Provider
	cfg      stt.StreamConfig
	name     string
	log      *slog.Logger
	metrics  *observe.Metrics

	mu       sync.Mutex
	onResult func(text string, isFinal bool)
	sess     stt.SessionHandle
	conv     *audio.FormatConverter
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New returns a Recognizer over p. Zero fields of cfg take the defaults:
// 16 kHz mono, [DefaultLanguage].
func New(p stt.Provider, cfg stt.StreamConfig, opts ...Option) *Recognizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	r := &Recognizer{
		provider: p,
		cfg:      cfg,
		name:     "stt",
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// OnResult registers the result callback. Empty transcripts are never delivered.
func (r *Recognizer) OnResult(fn func(text string, isFinal bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResult = fn
}

// Running reports whether a provider stream is open.
func (r *Recognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

// Start opens a provider stream. Starting a running recognizer is a no-op.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		return nil
	}

	sess, err := r.provider.StartStream(ctx, r.cfg)
	if err != nil {
		r.metrics.RecordProviderRequest(ctx, r.name, "stream", "error")
		r.metrics.RecordProviderError(ctx, r.name, "stream")
		return fmt.Errorf("recognize: start stream: %w", err)
	}
	r.metrics.RecordProviderRequest(ctx, r.name, "stream", "ok")

	r.sess = sess
	r.conv = &audio.FormatConverter{
		Target: audio.Format{SampleRate: r.cfg.SampleRate, Channels: r.cfg.Channels},
		Logger: r.log,
	}
	r.stop = make(chan struct{})
	r.wg.Add(2)
	go r.forward(sess.Partials(), r.stop)
	go r.forward(sess.Finals(), r.stop)
	r.log.Debug("recognize: stream started", "format", r.conv.Target.String())
	return nil
}

// Stop closes the provider stream and waits for result forwarding to end.
// Stopping an idle recognizer is a no-op.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	sess, stop := r.sess, r.stop
	r.sess, r.stop, r.conv = nil, nil, nil
	r.mu.Unlock()
	if sess == nil {
		return nil
	}

	close(stop)
	err := sess.Close()
	r.wg.Wait()
	if err != nil {
		return fmt.Errorf("recognize: close stream: %w", err)
	}
	r.log.Debug("recognize: stream stopped")
	return nil
}

// Feed converts frame to the stream format and sends it.
func (r *Recognizer) Feed(frame audio.AudioFrame) error {
	r.mu.Lock()
	sess, conv := r.sess, r.conv
	r.mu.Unlock()
	if sess == nil {
		return ErrNotStarted
	}
	f := conv.Convert(frame)
	if len(f.Data) == 0 {
		return nil
	}
	if err := sess.SendAudio(f.Data); err != nil {
		return fmt.Errorf("recognize: send audio: %w", err)
	}
	return nil
}

func (r *Recognizer) forward(ch <-chan stt.Transcript, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-stop:
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			if t.Text == "" {
				continue
			}
			r.mu.Lock()
			fn := r.onResult
			r.mu.Unlock()
			if fn != nil {
				fn(t.Text, t.IsFinal)
			}
		}
	}
}
