package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/storage"
)

// DefaultMaxPending is the number of failed exports kept for redelivery.
const DefaultMaxPending = 4

// Transcriber turns an encoded WAV recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, filename string) (string, error)
}

// Catalog records metadata about every delivered export.
type Catalog interface {
	Record(ctx context.Context, e Entry) error
}

// Entry describes one exported recording.
type Entry struct {
	ID         uuid.UUID
	Key        string
	Backend    string
	SampleRate int
	Channels   int
	Frames     int
	Bytes      int
	Duration   time.Duration
	Transcript string
	CreatedAt  time.Time
}

// namedPutter is implemented by stores that can report which backend took
// the write, such as a failover group.
type namedPutter interface {
	PutNamed(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type pendingExport struct {
	entry Entry
	wav   []byte
}

// Option configures an [Exporter].
type Option func(*Exporter)

// WithTranscriber enables batch transcription of each delivered recording.
func WithTranscriber(t Transcriber) Option {
	return func(e *Exporter) { e.transcriber = t }
}

// WithCatalog records each delivered recording in c.
func WithCatalog(c Catalog) Option {
	return func(e *Exporter) { e.catalog = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

// WithMaxPending bounds how many failed exports are kept for [Exporter.Retry].
// Zero or a negative value disables retention.
func WithMaxPending(n int) Option {
	return func(e *Exporter) { e.maxPending = n }
}

// WithKeyPrefix sets the directory objects are stored under. Default "recordings".
func WithKeyPrefix(p string) Option {
	return func(e *Exporter) { e.prefix = p }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// Exporter encodes recorded frames as WAV and delivers them to a
// [storage.Store]. Delivery failures never affect the interaction state; the
// encoded payload is kept so the export can be retried.
//
// Exporter is safe for concurrent use.
type Exporter struct {
	store       storage.Store
	transcriber Transcriber
	catalog     Catalog
	log         *slog.Logger
	metrics     *observe.Metrics
	maxPending  int
	prefix      string
	now         func() time.Time

	mu      sync.Mutex
	pending []pendingExport
}

// NewExporter returns an Exporter writing to store.
func NewExporter(store storage.Store, opts ...Option) *Exporter {
	e := &Exporter{
		store:      store,
		log:        slog.Default(),
		maxPending: DefaultMaxPending,
		prefix:     "recordings",
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Pending returns the number of exports waiting for redelivery.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Export encodes frames and delivers them. It returns [ErrNothingRecorded]
// for an empty slice. When delivery fails the payload is queued for
// [Exporter.Retry] and the error is returned.
func (e *Exporter) Export(ctx context.Context, frames []audio.AudioFrame) (Entry, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "recording.export")
	defer span.End()

	wav, format, err := EncodeWAV(frames)
	if errors.Is(err, ErrNothingRecorded) {
		e.metrics.RecordExport(ctx, "empty", time.Since(start))
		return Entry{}, err
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordExport(ctx, "error", time.Since(start))
		return Entry{}, err
	}

	id := uuid.New()
	p := pendingExport{
		entry: Entry{
			ID:         id,
			Key:        path.Join(e.prefix, id.String()+".wav"),
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Frames:     len(frames),
			Bytes:      len(wav),
			Duration:   WAVDuration(wav, format),
			CreatedAt:  e.now(),
		},
		wav: wav,
	}
	span.SetAttributes(
		attribute.String("recording.id", id.String()),
		attribute.Int("recording.bytes", len(wav)),
	)

	entry, err := e.deliver(ctx, p)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordExport(ctx, "error", time.Since(start))
		e.enqueue(p)
		return Entry{}, err
	}
	e.metrics.RecordExport(ctx, "ok", time.Since(start))
	return entry, nil
}

// Retry redelivers queued exports in the order they failed. Exports that fail
// again stay queued. It returns the entries that were delivered and the joined
// delivery errors.
func (e *Exporter) Retry(ctx context.Context) ([]Entry, error) {
	e.mu.Lock()
	queue := e.pending
	e.pending = nil
	e.mu.Unlock()

	var (
		done   []Entry
		failed []pendingExport
		errs   []error
	)
	for _, p := range queue {
		start := time.Now()
		entry, err := e.deliver(ctx, p)
		if err != nil {
			e.metrics.RecordExport(ctx, "error", time.Since(start))
			failed = append(failed, p)
			errs = append(errs, err)
			continue
		}
		e.metrics.RecordExport(ctx, "ok", time.Since(start))
		done = append(done, entry)
	}

	if len(failed) > 0 {
		e.mu.Lock()
		e.pending = append(failed, e.pending...)
		e.trimLocked()
		e.mu.Unlock()
	}
	return done, errors.Join(errs...)
}

func (e *Exporter) deliver(ctx context.Context, p pendingExport) (Entry, error) {
	entry := p.entry
	var err error
	if np, ok := e.store.(namedPutter); ok {
		entry.Backend, err = np.PutNamed(ctx, entry.Key, p.wav, "audio/wav")
	} else {
		entry.Backend = e.store.Name()
		err = e.store.Put(ctx, entry.Key, p.wav, "audio/wav")
	}
	if err != nil {
		return Entry{}, fmt.Errorf("recording: store %s: %w", entry.Key, err)
	}

	log := observe.WithTrace(e.log, ctx).With("recording_id", entry.ID.String())
	log.Info("recording stored", "key", entry.Key, "backend", entry.Backend, "duration", entry.Duration)

	if e.transcriber != nil {
		text, err := e.transcriber.Transcribe(ctx, p.wav, "recording.wav")
		if err != nil {
			log.Warn("recording transcription failed", "err", err)
		} else {
			entry.Transcript = text
			log.Info("recording transcribed", "chars", len(text))
		}
	}
	if e.catalog != nil {
		if err := e.catalog.Record(ctx, entry); err != nil {
			log.Warn("recording catalog write failed", "err", err)
		}
	}
	return entry, nil
}

func (e *Exporter) enqueue(p pendingExport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, p)
	e.trimLocked()
}

func (e *Exporter) trimLocked() {
	limit := max(e.maxPending, 0)
	for len(e.pending) > limit {
		e.log.Warn("recording dropped from retry queue", "recording_id", e.pending[0].entry.ID.String())
		e.pending = e.pending[1:]
	}
}
