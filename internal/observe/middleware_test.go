package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// The tests in this file swap the global tracer provider and therefore do
// not run in parallel.

func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return m, reader, exp
}

// controlMux mimics the control API routes the middleware usually wraps.
func controlMux(status int, cid *string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", func(w http.ResponseWriter, r *http.Request) {
		if cid != nil {
			*cid = CorrelationID(r.Context())
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"idle"}`))
	})
	return mux
}

func hasAttr(attrs []attribute.KeyValue, key, want string) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.Emit() == want {
			return true
		}
	}
	return false
}

func TestMiddleware_CorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)
	var cid string
	h := Middleware(m)(controlMux(http.StatusCreated, &cid))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session", nil))

	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
	}
	if got := rec.Header().Get(CorrelationHeader); got != cid {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _, _ := testSetup(t)
	var cid string
	h := Middleware(m)(controlMux(http.StatusCreated, &cid))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodPost, "/v1/session", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if cid != traceID {
		t.Errorf("correlation ID = %q, want %q", cid, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	m, _, exp := testSetup(t)
	h := Middleware(m)(controlMux(http.StatusCreated, nil))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/session", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "HTTP POST /v1/session" {
		t.Errorf("span name = %q", s.Name)
	}
	if !hasAttr(s.Attributes, "http.route", "POST /v1/session") {
		t.Error("span missing http.route")
	}
	if !hasAttr(s.Attributes, "http.response.status_code", "201") {
		t.Error("span missing http.response.status_code=201")
	}
	if s.Status.Code == codes.Error {
		t.Error("2xx response marked the span as failed")
	}
}

func TestMiddleware_ServerErrorFailsSpan(t *testing.T) {
	m, _, exp := testSetup(t)
	h := Middleware(m)(controlMux(http.StatusServiceUnavailable, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("want one failed span, got %+v", spans)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader, _ := testSetup(t)
	h := Middleware(m)(controlMux(http.StatusOK, nil))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "duplexa.http.request.duration")
	if met == nil {
		t.Fatal("duplexa.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want histogram", met.Data)
	}

	var routed, unmatched bool
	for _, dp := range hist.DataPoints {
		attrs := dp.Attributes.ToSlice()
		if hasAttr(attrs, "path", "GET /v1/session") && hasAttr(attrs, "status", "2xx") {
			routed = dp.Count == 1
		}
		if hasAttr(attrs, "path", "/nowhere") && hasAttr(attrs, "status", "4xx") {
			unmatched = dp.Count == 1
		}
	}
	if !routed {
		t.Error("no data point for the matched route with status 2xx")
	}
	if !unmatched {
		t.Error("no data point for the unmatched path with status 4xx")
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]string{200: "2xx", 204: "2xx", 409: "4xx", 502: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
