// Package observe provides application-wide observability primitives for
// Duplexa: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Duplexa metrics.
const meterName = "github.com/MrWong99/duplexa"

// Frame verdicts recorded by [Metrics.RecordFrame].
const (
	VerdictUser    = "user"
	VerdictSelf    = "self"
	VerdictInvalid = "invalid"
	VerdictGated   = "gated"
	VerdictEcho    = "echo"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Duplex engine ---

	// Frames counts captured frames by verdict. Use with attribute:
	//   attribute.String("verdict", "user"|"self"|"invalid"|"gated"|"echo")
	Frames metric.Int64Counter

	// AnalysisDuration tracks per-frame spectral analysis and classification time.
	AnalysisDuration metric.Float64Histogram

	// StateTransitions counts interaction state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// GateTransitions counts capture gate owner changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	GateTransitions metric.Int64Counter

	// Utterances counts synthesized utterances. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"cancelled")
	Utterances metric.Int64Counter

	// UtteranceDuration tracks time from speak to utterance end.
	UtteranceDuration metric.Float64Histogram

	// --- Recording export ---

	// Exports counts recording exports. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"empty")
	Exports metric.Int64Counter

	// ExportDuration tracks end-to-end export latency.
	ExportDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live duplex sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider and export latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// analysisBuckets covers the sub-millisecond range of a single FFT.
var analysisBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Frames, err = m.Int64Counter("duplexa.frames",
		metric.WithDescription("Captured frames by classification verdict."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("duplexa.analysis.duration",
		metric.WithDescription("Latency of per-frame spectral analysis and classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(analysisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("duplexa.state.transitions",
		metric.WithDescription("Interaction state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.GateTransitions, err = m.Int64Counter("duplexa.gate.transitions",
		metric.WithDescription("Capture gate owner changes by from and to owner."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("duplexa.utterances",
		metric.WithDescription("Synthesized utterances by completion status."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("duplexa.utterance.duration",
		metric.WithDescription("Time from speak request to utterance end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Exports, err = m.Int64Counter("duplexa.exports",
		metric.WithDescription("Recording exports by status."),
	); err != nil {
		return nil, err
	}
	if met.ExportDuration, err = m.Float64Histogram("duplexa.export.duration",
		metric.WithDescription("Latency of recording export including upload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("duplexa.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("duplexa.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplexa.active_sessions",
		metric.WithDescription("Number of live duplex sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplexa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one frame with the given verdict.
func (m *Metrics) RecordFrame(ctx context.Context, verdict string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordAnalysis records the time spent analysing and classifying one frame.
func (m *Metrics) RecordAnalysis(ctx context.Context, d time.Duration) {
	m.AnalysisDuration.Record(ctx, d.Seconds())
}

// RecordStateTransition counts an interaction state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordGateTransition counts a capture gate owner change.
func (m *Metrics) RecordGateTransition(ctx context.Context, from, to string) {
	m.GateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordUtterance counts a finished utterance and records its duration.
func (m *Metrics) RecordUtterance(ctx context.Context, status string, d time.Duration) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.UtteranceDuration.Record(ctx, d.Seconds())
}

// RecordExport counts an export and records its duration.
func (m *Metrics) RecordExport(ctx context.Context, status string, d time.Duration) {
	m.Exports.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.ExportDuration.Record(ctx, d.Seconds())
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
