// Package duplex implements the duplex audio arbitration engine: the state
// machine that decides, frame by frame, whether captured audio is the user or
// the assistant's own voice, and that hands the capture pipeline back and
// forth between speech recognition and synthesized playback.
//
// A [Controller] is a transition function over explicit [Event] values. It is
// driven either directly through [Controller.Dispatch] or by a [Session],
// which owns the audio source, the event mailbox and deterministic teardown.
//
//	ctrl, err := duplex.New(cfg, recognizer, synthesizer)
//	if err != nil { … }
//	sess, err := duplex.Open(ctx, device, ctrl)
//	if err != nil { … }
//	defer sess.Close()
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplexa/internal/gate"
	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/internal/recording"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/spectrum"
)

const (
	// DefaultPromptInterval is how long the controller listens before it
	// speaks the prompt.
	DefaultPromptInterval = 10 * time.Second

	// DefaultPromptText is spoken when the prompt timer fires.
	DefaultPromptText = "What would you like to do?"
)

// Recognizer is the speech recognition collaborator. Start and Stop are only
// ever called through the capture gate.
type Recognizer interface {
	gate.Recognizer
	// Feed forwards one accepted user-speech frame.
	Feed(frame audio.AudioFrame) error
	// OnResult registers the callback for streaming results. It is called
	// once, before the first Start.
	OnResult(fn func(text string, isFinal bool))
}

// Synthesizer is the speech synthesis collaborator. For every Speak call that
// returns nil it must call onEnd exactly once, from any goroutine. When Speak
// returns an error onEnd may be ignored.
type Synthesizer interface {
	Speak(ctx context.Context, text string, onEnd func(error)) error
}

// Config is the per-session configuration of a [Controller]. It is read once
// by [New] and immutable afterwards.
type Config struct {
	// SampleRate and Channels describe the capture format frames are converted
	// to before analysis. Zero leaves frames in their native format.
	SampleRate int
	Channels   int

	// WindowSize is the FFT size. Zero selects [spectrum.DefaultWindowSize].
	WindowSize int

	// Signature is the spectral fingerprint of the synthesized voice. An
	// empty signature classifies every frame as user speech.
	Signature spectrum.Signature

	// PromptInterval is the listening time before the prompt is spoken.
	// Zero selects [DefaultPromptInterval]; a negative value disables the
	// prompt timer.
	PromptInterval time.Duration

	// PromptText defaults to [DefaultPromptText].
	PromptText string

	// EchoSimilarity is the Jaro-Winkler score above which a final transcript
	// counts as an echo of recently spoken text. Zero disables the filter.
	EchoSimilarity float64
}

// Option configures a [Controller].
type Option func(*Controller)

// WithClock replaces the wall clock used for the prompt timer.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// WithEventSink sets where asynchronous events (utterance completions,
// recognizer results, timer fires) are posted. A [Session] installs its own
// sink; tests use this to collect and replay events.
func WithEventSink(fn func(Event)) Option {
	return func(ctl *Controller) { ctl.sink = fn }
}

// OnStateChange registers a hook called after every state transition. Hooks
// run on the dispatching goroutine and must not call Dispatch or close the
// session.
func OnStateChange(fn func(from, to State)) Option {
	return func(ctl *Controller) { ctl.onState = fn }
}

// OnTranscript registers a hook for accepted recognizer results.
func OnTranscript(fn func(text string, isFinal bool)) Option {
	return func(ctl *Controller) { ctl.onTranscript = fn }
}

// Controller owns the interaction state machine, the capture gate and the
// recording buffer for one session.
//
// Dispatch calls are serialised. State, GateOwner, Buffered and the recording
// accessors are safe to call from any goroutine.
type Controller struct {
	cfg          Config
	analyzer     *spectrum.Analyzer
	bufferLength int
	rec          Recognizer
	synth        Synthesizer
	gate         *gate.Gate
	buf          recording.Buffer
	echo         *echoFilter
	clock        Clock
	log          *slog.Logger
	metrics      *observe.Metrics
	onState      func(from, to State)
	onTranscript func(text string, isFinal bool)

	sinkMu sync.RWMutex
	sink   func(Event)

	state atomic.Int32

	// finished counts utterances that returned the controller to listening.
	finished atomic.Uint64

	// Guarded by mu, which is held for the whole of Dispatch.
	mu         sync.Mutex
	timer      Timer
	timerSeq   uint64
	utterance  uint64 // in-flight utterance ID, 0 when none
	lastID     uint64
	uttCancel  context.CancelFunc
	uttStarted time.Time
}

// New validates cfg and returns an idle Controller.
func New(cfg Config, rec Recognizer, synth Synthesizer, opts ...Option) (*Controller, error) {
	if rec == nil || synth == nil {
		return nil, errors.New("duplex: recognizer and synthesizer are required")
	}
	analyzer, err := spectrum.NewAnalyzer(cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("duplex: %w", err)
	}
	cfg.WindowSize = analyzer.WindowSize()
	if cfg.PromptInterval == 0 {
		cfg.PromptInterval = DefaultPromptInterval
	}
	if cfg.PromptText == "" {
		cfg.PromptText = DefaultPromptText
	}

	c := &Controller{
		cfg:          cfg,
		analyzer:     analyzer,
		bufferLength: analyzer.DefaultBufferLength(),
		rec:          rec,
		synth:        synth,
		echo:         newEchoFilter(cfg.EchoSimilarity),
		clock:        systemClock{},
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.gate = gate.New(rec,
		gate.WithLogger(c.log),
		gate.WithObserver(func(from, to gate.Owner) {
			c.metrics.RecordGateTransition(context.Background(), from.String(), to.String())
		}),
	)
	rec.OnResult(func(text string, isFinal bool) {
		c.post(TranscriptReceived{Text: text, IsFinal: isFinal})
	})
	return c, nil
}

// Config returns the effective configuration after defaults were applied.
func (c *Controller) Config() Config { return c.cfg }

// State returns the current interaction state.
func (c *Controller) State() State { return State(c.state.Load()) }

// GateOwner returns who currently holds the capture pipeline.
func (c *Controller) GateOwner() gate.Owner { return c.gate.Owner() }

// Buffered returns the number of frames waiting to be exported.
func (c *Controller) Buffered() int { return c.buf.Len() }

// ExportRecording returns every accepted frame in capture order and empties
// the buffer.
func (c *Controller) ExportRecording() []audio.AudioFrame { return c.buf.ExportAll() }

// ClearRecording discards the buffered frames.
func (c *Controller) ClearRecording() { c.buf.Clear() }

// Dispatch applies ev to the state machine. Only Start and SpeakRequested
// return errors; per-frame problems are logged and counted.
func (c *Controller) Dispatch(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := ev.(type) {
	case Start:
		return c.start(ctx)
	case Stop:
		c.stop(ctx)
		return nil
	case FrameCaptured:
		c.frame(ctx, ev.Frame)
		return nil
	case PromptDue:
		if ev.seq != 0 && ev.seq != c.timerSeq {
			return nil
		}
		c.timer = nil
		if c.State() != StateListening {
			return nil
		}
		return c.speak(ctx, c.cfg.PromptText)
	case SpeakRequested:
		if c.State() != StateListening {
			return ErrNotListening
		}
		return c.speak(ctx, ev.Text)
	case UtteranceEnded:
		c.utteranceEnded(ctx, ev)
		return nil
	case TranscriptReceived:
		c.transcript(ctx, ev)
		return nil
	default:
		return fmt.Errorf("duplex: unknown event %T", ev)
	}
}

func (c *Controller) start(ctx context.Context) error {
	if c.State() != StateIdle {
		return nil
	}
	if _, err := c.gate.Acquire(ctx, gate.OwnerRecognition); err != nil {
		return fmt.Errorf("duplex: start recognition: %w", err)
	}
	c.setState(ctx, StateListening)
	c.arm()
	return nil
}

func (c *Controller) stop(ctx context.Context) {
	c.disarm()
	if c.utterance != 0 {
		c.endUtterance(ctx, "cancelled")
	}
	if _, err := c.gate.Acquire(ctx, gate.OwnerNone); err != nil {
		c.log.Error("duplex: release gate", "err", err)
	}
	c.setState(ctx, StateIdle)
}

func (c *Controller) frame(ctx context.Context, f audio.AudioFrame) {
	if c.State() != StateListening || c.gate.Owner() != gate.OwnerRecognition {
		c.metrics.RecordFrame(ctx, observe.VerdictGated)
		return
	}

	began := time.Now()
	sp, err := c.analyzer.Analyze(f, f.SampleRate, c.bufferLength)
	if err != nil {
		c.log.Warn("duplex: dropping frame", "err", err, "timestamp", f.Timestamp)
		c.metrics.RecordFrame(ctx, observe.VerdictInvalid)
		return
	}
	verdict := spectrum.Classify(sp, c.cfg.Signature)
	c.metrics.RecordAnalysis(ctx, time.Since(began))

	if verdict == spectrum.SelfSpeech {
		c.log.Debug("duplex: self speech suppressed", "timestamp", f.Timestamp)
		c.metrics.RecordFrame(ctx, observe.VerdictSelf)
		return
	}
	c.buf.Append(f)
	c.metrics.RecordFrame(ctx, observe.VerdictUser)
	if err := c.rec.Feed(f); err != nil {
		c.log.Warn("duplex: feed recognizer", "err", err)
	}
}

// speak performs LISTENING→SPEAKING. The caller has checked the state.
func (c *Controller) speak(ctx context.Context, text string) error {
	c.disarm()
	if _, err := c.gate.Acquire(ctx, gate.OwnerPlayback); err != nil {
		c.log.Error("duplex: acquire gate for playback", "err", err)
		c.arm()
		return err
	}

	c.lastID++
	id := c.lastID
	uctx, cancel := context.WithCancel(ctx)
	c.utterance = id
	c.uttCancel = cancel
	c.uttStarted = c.clock.Now()
	c.echo.remember(text)
	c.setState(ctx, StateSpeaking)

	var once sync.Once
	onEnd := func(err error) {
		once.Do(func() { c.post(UtteranceEnded{ID: id, Err: err}) })
	}
	c.log.Info("duplex: speaking", "utterance", id, "text", text)
	if err := c.synth.Speak(uctx, text, onEnd); err != nil {
		c.log.Warn("duplex: speak failed", "utterance", id, "err", err)
		c.finishUtterance(ctx, id, err)
	}
	return nil
}

func (c *Controller) utteranceEnded(ctx context.Context, ev UtteranceEnded) {
	if ev.ID == 0 || ev.ID != c.utterance || c.State() != StateSpeaking {
		c.log.Debug("duplex: ignoring stale utterance end", "utterance", ev.ID)
		return
	}
	if ev.Err != nil {
		c.log.Warn("duplex: utterance ended with error", "utterance", ev.ID, "err", ev.Err)
	}
	c.finishUtterance(ctx, ev.ID, ev.Err)
}

// finishUtterance performs SPEAKING→LISTENING.
func (c *Controller) finishUtterance(ctx context.Context, id uint64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.endUtterance(ctx, status)
	c.gate.Release(gate.OwnerPlayback)

	if _, err := c.gate.Acquire(ctx, gate.OwnerRecognition); err != nil {
		// Frames are gated until the next utterance retries the recognizer.
		c.log.Error("duplex: restart recognition", "utterance", id, "err", err)
	}
	c.setState(ctx, StateListening)
	c.finished.Add(1)
	c.arm()
}

// utterancesFinished returns how many utterances have ended in a return to
// listening.
func (c *Controller) utterancesFinished() uint64 { return c.finished.Load() }

func (c *Controller) endUtterance(ctx context.Context, status string) {
	if c.uttCancel != nil {
		c.uttCancel()
	}
	c.metrics.RecordUtterance(ctx, status, c.clock.Now().Sub(c.uttStarted))
	c.utterance = 0
	c.uttCancel = nil
}

func (c *Controller) transcript(ctx context.Context, ev TranscriptReceived) {
	if ev.IsFinal && c.echo.match(ev.Text) {
		c.log.Info("duplex: dropping echoed transcript", "text", ev.Text)
		c.metrics.RecordFrame(ctx, observe.VerdictEcho)
		return
	}
	if ev.IsFinal {
		c.log.Info("user said", "text", ev.Text)
	}
	if c.onTranscript != nil {
		c.onTranscript(ev.Text, ev.IsFinal)
	}
}

func (c *Controller) setState(ctx context.Context, to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.metrics.RecordStateTransition(ctx, from.String(), to.String())
	c.log.Info("duplex: state changed", "from", from.String(), "to", to.String())
	if c.onState != nil {
		c.onState(from, to)
	}
}

// arm (re)starts the one-shot prompt timer.
func (c *Controller) arm() {
	c.disarm()
	if c.cfg.PromptInterval < 0 {
		return
	}
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.cfg.PromptInterval, func() {
		c.post(PromptDue{seq: seq})
	})
}

// disarm stops the prompt timer and invalidates any fire already posted.
func (c *Controller) disarm() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Controller) setEventSink(fn func(Event)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sink = fn
}

func (c *Controller) post(ev Event) {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	if sink == nil {
		c.log.Debug("duplex: no event sink, dropping event", "event", fmt.Sprintf("%T", ev))
		return
	}
	sink(ev)
}
