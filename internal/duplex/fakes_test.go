package duplex_test

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/duplexa/internal/duplex"
	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/pkg/audio"
)

const (
	testRate   = 44100
	testWindow = 2048
)

// ─── Recognizer ──────────────────────────────────────────────────────────────

type fakeRecognizer struct {
	mu       sync.Mutex
	starts   int
	stops    int
	fed      []audio.AudioFrame
	startErr error
	onResult func(string, bool)
}

func (r *fakeRecognizer) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRecognizer) Feed(f audio.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fed = append(r.fed, f)
	return nil
}

func (r *fakeRecognizer) OnResult(fn func(string, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResult = fn
}

func (r *fakeRecognizer) setStartErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *fakeRecognizer) emit(text string, final bool) {
	r.mu.Lock()
	fn := r.onResult
	r.mu.Unlock()
	fn(text, final)
}

func (r *fakeRecognizer) counts() (starts, stops, fed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops, len(r.fed)
}

// ─── Synthesizer ─────────────────────────────────────────────────────────────

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	ends  []func(error)
	ctxs  []context.Context
	err   error

	// auto, when set, ends every utterance from a new goroutine.
	auto bool

	// during, when set, runs inside Speak before err is returned.
	during func(onEnd func(error))
}

func (s *fakeSynth) Speak(ctx context.Context, text string, onEnd func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.during != nil {
		s.during(onEnd)
	}
	if s.err != nil {
		return s.err
	}
	s.ends = append(s.ends, onEnd)
	s.ctxs = append(s.ctxs, ctx)
	if s.auto {
		go onEnd(nil)
	}
	return nil
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *fakeSynth) end(i int, err error) {
	s.mu.Lock()
	fn := s.ends[i]
	s.mu.Unlock()
	fn(err)
}

func (s *fakeSynth) ctx(i int) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctxs[i]
}

// ─── Clock ───────────────────────────────────────────────────────────────────

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) duplex.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers synchronously, in order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// ─── Frames ──────────────────────────────────────────────────────────────────

// silence is a window of zero samples: every bin is at the floor.
func silence() audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, testWindow*2), SampleRate: testRate, Channels: 1}
}

// selfTone is a loud sine centred on the bin the 500 Hz reference maps to.
func selfTone() audio.AudioFrame {
	const bin = 12
	samples := make([]int16, testWindow)
	for i := range samples {
		samples[i] = int16(math.Round(0.5 * 32767 * math.Sin(2*math.Pi*bin*float64(i)/testWindow)))
	}
	return audio.AudioFrame{Data: audio.PCM(samples), SampleRate: testRate, Channels: 1}
}

func tagged(f audio.AudioFrame, ts time.Duration) audio.AudioFrame {
	f.Timestamp = ts
	return f
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}
