package duplex_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplexa/internal/duplex"
	"github.com/MrWong99/duplexa/internal/gate"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/spectrum"
)

// harness drives a Controller directly through Dispatch. Asynchronous events
// are collected by the event sink and replayed with flush.
type harness struct {
	t     *testing.T
	ctrl  *duplex.Controller
	rec   *fakeRecognizer
	synth *fakeSynth
	clock *manualClock

	mu     sync.Mutex
	events []duplex.Event
}

func newHarness(t *testing.T, cfg duplex.Config, opts ...duplex.Option) *harness {
	t.Helper()
	h := &harness{t: t, rec: &fakeRecognizer{}, synth: &fakeSynth{}, clock: newManualClock()}
	if cfg.Signature.Frequencies == nil {
		cfg.Signature = spectrum.DefaultSignature()
	}
	opts = append([]duplex.Option{
		duplex.WithClock(h.clock),
		duplex.WithMetrics(testMetrics(t)),
		duplex.WithEventSink(h.post),
	}, opts...)
	ctrl, err := duplex.New(cfg, h.rec, h.synth, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) post(ev duplex.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

// flush dispatches queued events until none remain.
func (h *harness) flush() {
	h.t.Helper()
	for {
		h.mu.Lock()
		evs := h.events
		h.events = nil
		h.mu.Unlock()
		if len(evs) == 0 {
			return
		}
		for _, ev := range evs {
			_ = h.ctrl.Dispatch(context.Background(), ev)
		}
	}
}

func (h *harness) dispatch(ev duplex.Event) {
	h.t.Helper()
	if err := h.ctrl.Dispatch(context.Background(), ev); err != nil {
		h.t.Fatalf("Dispatch(%T) error: %v", ev, err)
	}
}

func (h *harness) expect(state duplex.State, owner gate.Owner) {
	h.t.Helper()
	if got := h.ctrl.State(); got != state {
		h.t.Errorf("State() = %s, want %s", got, state)
	}
	if got := h.ctrl.GateOwner(); got != owner {
		h.t.Errorf("GateOwner() = %s, want %s", got, owner)
	}
}

func TestController_StartsIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.expect(duplex.StateIdle, gate.OwnerNone)
}

func TestController_StartAcquiresRecognition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.Start{})

	h.expect(duplex.StateListening, gate.OwnerRecognition)
	if starts, _, _ := h.rec.counts(); starts != 1 {
		t.Errorf("recognizer starts = %d, want 1", starts)
	}
}

func TestController_StartFailureStaysIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.rec.setStartErr(errors.New("no permission"))

	if err := h.ctrl.Dispatch(context.Background(), duplex.Start{}); err == nil {
		t.Fatal("Dispatch(Start) succeeded with failing recognizer")
	}
	h.expect(duplex.StateIdle, gate.OwnerNone)

	// No timer may be armed.
	h.clock.Advance(time.Minute)
	h.flush()
	if n := len(h.synth.spoken()); n != 0 {
		t.Errorf("speak calls = %d, want 0", n)
	}
}

func TestController_PromptAfterInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{PromptInterval: 10 * time.Second})
	h.dispatch(duplex.Start{})

	h.clock.Advance(9999 * time.Millisecond)
	h.flush()
	if n := len(h.synth.spoken()); n != 0 {
		t.Fatalf("speak calls before interval = %d, want 0", n)
	}

	h.clock.Advance(time.Millisecond)
	h.flush()
	h.expect(duplex.StateSpeaking, gate.OwnerPlayback)
	spoken := h.synth.spoken()
	if len(spoken) != 1 || spoken[0] != duplex.DefaultPromptText {
		t.Fatalf("spoken = %q, want exactly the prompt", spoken)
	}
	if _, stops, _ := h.rec.counts(); stops != 1 {
		t.Errorf("recognizer stops = %d, want 1", stops)
	}

	h.synth.end(0, nil)
	h.flush()
	h.expect(duplex.StateListening, gate.OwnerRecognition)
	if starts, _, _ := h.rec.counts(); starts != 2 {
		t.Errorf("recognizer starts = %d, want 2", starts)
	}

	// The timer is re-armed on return to listening.
	h.clock.Advance(10 * time.Second)
	h.flush()
	if n := len(h.synth.spoken()); n != 2 {
		t.Errorf("speak calls after second interval = %d, want 2", n)
	}
}

func TestController_TeardownWhileSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})
	h.clock.Advance(duplex.DefaultPromptInterval)
	h.flush()
	h.expect(duplex.StateSpeaking, gate.OwnerPlayback)

	h.dispatch(duplex.Stop{})
	h.expect(duplex.StateIdle, gate.OwnerNone)
	if err := h.synth.ctx(0).Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("utterance context err = %v, want context.Canceled", err)
	}

	// A late completion and any further time must not speak again.
	h.synth.end(0, nil)
	h.clock.Advance(time.Hour)
	h.flush()
	h.expect(duplex.StateIdle, gate.OwnerNone)
	if n := len(h.synth.spoken()); n != 1 {
		t.Errorf("speak calls = %d, want 1", n)
	}
	if starts, stops, _ := h.rec.counts(); starts != 1 || stops != 1 {
		t.Errorf("starts, stops = %d, %d; want 1, 1", starts, stops)
	}
}

func TestController_StopFromIdleAndListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Stop{})
	h.expect(duplex.StateIdle, gate.OwnerNone)

	h.dispatch(duplex.Start{})
	h.dispatch(duplex.Stop{})
	h.dispatch(duplex.Stop{})
	h.expect(duplex.StateIdle, gate.OwnerNone)
	if _, stops, _ := h.rec.counts(); stops != 1 {
		t.Errorf("recognizer stops = %d, want 1", stops)
	}
}

func TestController_BufferNeverHoldsSpeakingFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})

	h.dispatch(duplex.FrameCaptured{Frame: tagged(silence(), 1)})
	h.dispatch(duplex.SpeakRequested{Text: "hello"})
	h.dispatch(duplex.FrameCaptured{Frame: tagged(silence(), 2)})

	got := h.ctrl.ExportRecording()
	if len(got) != 1 || got[0].Timestamp != 1 {
		t.Fatalf("exported = %v, want only frame A", timestamps(got))
	}
	if _, _, fed := h.rec.counts(); fed != 1 {
		t.Errorf("frames fed to recognizer = %d, want 1", fed)
	}
}

func TestController_SelfSpeechDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})

	h.dispatch(duplex.FrameCaptured{Frame: selfTone()})
	h.dispatch(duplex.FrameCaptured{Frame: silence()})

	if got := h.ctrl.Buffered(); got != 1 {
		t.Errorf("Buffered() = %d, want 1", got)
	}
	if _, _, fed := h.rec.counts(); fed != 1 {
		t.Errorf("fed = %d, want 1", fed)
	}
}

func TestController_EmptySignatureAcceptsEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{Signature: spectrum.Signature{Frequencies: []float64{}}})
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.FrameCaptured{Frame: selfTone()})
	if got := h.ctrl.Buffered(); got != 1 {
		t.Errorf("Buffered() = %d, want 1", got)
	}
}

func TestController_InvalidFrameIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})

	h.dispatch(duplex.FrameCaptured{Frame: audio.AudioFrame{SampleRate: testRate, Channels: 1}})
	h.dispatch(duplex.FrameCaptured{Frame: audio.AudioFrame{Data: make([]byte, 64), Channels: 1}})
	h.expect(duplex.StateListening, gate.OwnerRecognition)
	if got := h.ctrl.Buffered(); got != 0 {
		t.Fatalf("Buffered() = %d, want 0", got)
	}

	h.dispatch(duplex.FrameCaptured{Frame: silence()})
	if got := h.ctrl.Buffered(); got != 1 {
		t.Errorf("Buffered() after valid frame = %d, want 1", got)
	}
}

func TestController_FramesIgnoredWhileIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.FrameCaptured{Frame: silence()})
	if got := h.ctrl.Buffered(); got != 0 {
		t.Errorf("Buffered() = %d, want 0", got)
	}
}

func TestController_SpeakRequiresListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	err := h.ctrl.Dispatch(context.Background(), duplex.SpeakRequested{Text: "hi"})
	if !errors.Is(err, duplex.ErrNotListening) {
		t.Fatalf("err = %v, want ErrNotListening", err)
	}

	h.dispatch(duplex.Start{})
	h.dispatch(duplex.SpeakRequested{Text: "hi"})
	err = h.ctrl.Dispatch(context.Background(), duplex.SpeakRequested{Text: "again"})
	if !errors.Is(err, duplex.ErrNotListening) {
		t.Fatalf("err while speaking = %v, want ErrNotListening", err)
	}
	if n := len(h.synth.spoken()); n != 1 {
		t.Errorf("speak calls = %d, want 1", n)
	}
}

func TestController_SpeakErrorReturnsToListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.synth.err = errors.New("tts offline")
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.SpeakRequested{Text: "hi"})

	h.expect(duplex.StateListening, gate.OwnerRecognition)
	if starts, stops, _ := h.rec.counts(); starts != 2 || stops != 1 {
		t.Errorf("starts, stops = %d, %d; want 2, 1", starts, stops)
	}
}

func TestController_OnEndDeliveredOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.SpeakRequested{Text: "one"})

	h.synth.end(0, nil)
	h.synth.end(0, nil)
	h.mu.Lock()
	queued := len(h.events)
	h.mu.Unlock()
	if queued != 1 {
		t.Fatalf("queued events = %d, want 1", queued)
	}
	h.flush()
	h.expect(duplex.StateListening, gate.OwnerRecognition)
}

func TestController_StaleUtteranceEndIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.SpeakRequested{Text: "first"})
	h.synth.end(0, nil)
	h.flush()
	h.dispatch(duplex.SpeakRequested{Text: "second"})

	h.dispatch(duplex.UtteranceEnded{ID: 1})
	h.dispatch(duplex.UtteranceEnded{ID: 99})
	h.expect(duplex.StateSpeaking, gate.OwnerPlayback)

	h.synth.end(1, nil)
	h.flush()
	h.expect(duplex.StateListening, gate.OwnerRecognition)
}

func TestController_UtteranceErrorStillReturnsToListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.SpeakRequested{Text: "hi"})
	h.synth.end(0, errors.New("device lost"))
	h.flush()
	h.expect(duplex.StateListening, gate.OwnerRecognition)
}

func TestController_RecognizerRestartFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.SpeakRequested{Text: "hi"})

	h.rec.setStartErr(errors.New("stream refused"))
	h.synth.end(0, nil)
	h.flush()
	h.expect(duplex.StateListening, gate.OwnerNone)

	h.dispatch(duplex.FrameCaptured{Frame: silence()})
	if got := h.ctrl.Buffered(); got != 0 {
		t.Errorf("Buffered() = %d, want 0 while recognizer is down", got)
	}

	// The next prompt cycle retries the recognizer.
	h.rec.setStartErr(nil)
	h.clock.Advance(duplex.DefaultPromptInterval)
	h.flush()
	h.expect(duplex.StateSpeaking, gate.OwnerPlayback)
	h.synth.end(1, nil)
	h.flush()
	h.expect(duplex.StateListening, gate.OwnerRecognition)
}

func TestController_DisarmedTimerDoesNotSpeak(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{PromptInterval: time.Second})
	h.dispatch(duplex.Start{})

	// The timer fires and posts, but a manual speak wins the race.
	h.clock.Advance(time.Second)
	h.dispatch(duplex.SpeakRequested{Text: "manual"})
	h.synth.end(0, nil)
	h.flush()

	h.expect(duplex.StateListening, gate.OwnerRecognition)
	spoken := h.synth.spoken()
	if len(spoken) != 1 || spoken[0] != "manual" {
		t.Errorf("spoken = %q, want only the manual utterance", spoken)
	}
}

func TestController_NegativeIntervalDisablesPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{PromptInterval: -1})
	h.dispatch(duplex.Start{})
	h.clock.Advance(time.Hour)
	h.flush()
	if n := len(h.synth.spoken()); n != 0 {
		t.Errorf("speak calls = %d, want 0", n)
	}
}

func TestController_ManualPromptDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{PromptText: "Anything else?"})
	h.dispatch(duplex.PromptDue{})
	if n := len(h.synth.spoken()); n != 0 {
		t.Fatalf("prompt while idle spoke %d times", n)
	}
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.PromptDue{})
	spoken := h.synth.spoken()
	if len(spoken) != 1 || spoken[0] != "Anything else?" {
		t.Errorf("spoken = %q", spoken)
	}
}

func TestController_StateHook(t *testing.T) {
	t.Parallel()
	type change struct{ from, to duplex.State }
	var got []change
	h := newHarness(t, duplex.Config{}, duplex.OnStateChange(func(from, to duplex.State) {
		got = append(got, change{from, to})
	}))
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.SpeakRequested{Text: "x"})
	h.synth.end(0, nil)
	h.flush()
	h.dispatch(duplex.Stop{})

	want := []change{
		{duplex.StateIdle, duplex.StateListening},
		{duplex.StateListening, duplex.StateSpeaking},
		{duplex.StateSpeaking, duplex.StateListening},
		{duplex.StateListening, duplex.StateIdle},
	}
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestController_TranscriptsAndEchoFilter(t *testing.T) {
	t.Parallel()
	type result struct {
		text  string
		final bool
	}
	var got []result
	h := newHarness(t,
		duplex.Config{EchoSimilarity: 0.9},
		duplex.OnTranscript(func(text string, final bool) {
			got = append(got, result{text, final})
		}),
	)
	h.dispatch(duplex.Start{})
	h.clock.Advance(duplex.DefaultPromptInterval)
	h.flush()
	h.synth.end(0, nil)
	h.flush()

	h.rec.emit("what would you like", false)
	h.rec.emit("What would you like to do", true)
	h.rec.emit("turn on the kitchen lights", true)
	h.flush()

	want := []result{
		{"what would you like", false},
		{"turn on the kitchen lights", true},
	}
	if len(got) != len(want) {
		t.Fatalf("transcripts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transcript %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestController_ClearRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t, duplex.Config{})
	h.dispatch(duplex.Start{})
	h.dispatch(duplex.FrameCaptured{Frame: silence()})
	h.ctrl.ClearRecording()
	if got := h.ctrl.ExportRecording(); len(got) != 0 {
		t.Errorf("exported %d frames after clear", len(got))
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := duplex.New(duplex.Config{}, nil, &fakeSynth{}); err == nil {
		t.Error("New without recognizer succeeded")
	}
	if _, err := duplex.New(duplex.Config{WindowSize: 1000}, &fakeRecognizer{}, &fakeSynth{}); err == nil {
		t.Error("New with non power-of-two window succeeded")
	}
	ctrl, err := duplex.New(duplex.Config{}, &fakeRecognizer{}, &fakeSynth{}, duplex.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	cfg := ctrl.Config()
	if cfg.WindowSize != spectrum.DefaultWindowSize || cfg.PromptInterval != duplex.DefaultPromptInterval || cfg.PromptText != duplex.DefaultPromptText {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[duplex.State]string{
		duplex.StateIdle:      "idle",
		duplex.StateListening: "listening",
		duplex.StateSpeaking:  "speaking",
		duplex.State(7):       "state(7)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}

func timestamps(frames []audio.AudioFrame) []time.Duration {
	out := make([]time.Duration, len(frames))
	for i, f := range frames {
		out[i] = f.Timestamp
	}
	return out
}
