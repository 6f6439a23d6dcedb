package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/pkg/audio"
)

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithSessionLogger sets the session logger. Defaults to slog.Default().
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithSessionMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithSessionMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session binds a [Controller] to one opened audio source. A single goroutine
// dispatches captured frames and posted events strictly in arrival order.
//
// Teardown runs exactly once on every exit path: an explicit [Session.Close],
// cancellation of the context passed to [Open], or the source closing its
// frame channel. After teardown the controller is idle, the gate is released
// and the source is disconnected.
type Session struct {
	ctrl    *Controller
	src     audio.Source
	conv    *audio.FormatConverter
	log     *slog.Logger
	metrics *observe.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
}

// Open acquires the audio device and starts ctrl. ctx bounds device
// acquisition and the whole session lifetime, so callers serving a request
// should pass a context that outlives it.
//
// A device failure is returned as [*DeviceAcquisitionError] and leaves the
// controller idle. If the controller fails to start, the source is
// disconnected before Open returns.
func Open(ctx context.Context, device audio.Device, ctrl *Controller, opts ...SessionOption) (*Session, error) {
	src, err := device.Open(ctx)
	if err != nil {
		return nil, &DeviceAcquisitionError{Err: err}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctrl:     ctrl,
		src:      src,
		log:      slog.Default(),
		ctx:      sctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if cfg := ctrl.Config(); cfg.SampleRate > 0 {
		s.conv = &audio.FormatConverter{
			Target: audio.Format{SampleRate: cfg.SampleRate, Channels: max(cfg.Channels, 1)},
			Logger: s.log,
		}
	}

	ctrl.setEventSink(func(ev Event) { s.post(ev) })
	if err := ctrl.Dispatch(sctx, Start{}); err != nil {
		ctrl.setEventSink(nil)
		cancel()
		if derr := src.Disconnect(); derr != nil {
			s.log.Warn("duplex: disconnect after failed start", "err", derr)
		}
		return nil, fmt.Errorf("duplex: start session: %w", err)
	}

	s.metrics.ActiveSessions.Add(sctx, 1)
	s.log.Info("duplex: session opened")
	go s.run()
	return s, nil
}

// Controller returns the controller driven by this session.
func (s *Session) Controller() *Controller { return s.ctrl }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Post queues ev for dispatch on the session goroutine. It reports false
// after teardown.
func (s *Session) Post(ev Event) bool {
	return s.post(ev)
}

// Speak queues a speak request and waits until the session goroutine has
// dispatched it. It returns [ErrNotListening] when the controller was not
// listening at that point, for example because the prompt timer won the
// race. Speak must not be called from controller hooks.
func (s *Session) Speak(text string) error {
	if s.ctrl.State() != StateListening {
		return ErrNotListening
	}
	reply := make(chan error, 1)
	if !s.post(SpeakRequested{Text: text, reply: reply}) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close tears the session down and waits for teardown to finish. It is safe
// to call more than once and from any goroutine except controller hooks.
// The returned error is the source's disconnect error, if any.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.loopDone
		s.closeErr = s.teardown()
	})
	return s.closeErr
}

func (s *Session) post(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.queue
	s.queue = nil
	return evs
}

func (s *Session) run() {
	s.loop()
	close(s.loopDone)
	if err := s.Close(); err != nil {
		s.log.Warn("duplex: session teardown", "err", err)
	}
}

func (s *Session) loop() {
	frames := s.src.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				s.log.Info("duplex: audio source ended")
				return
			}
			s.dispatchFrame(f)
		case <-s.wake:
			// Frames already queued were captured before these events were
			// posted and must be judged in the state they were captured in.
			if !s.flushFrames(frames) {
				s.log.Info("duplex: audio source ended")
				return
			}
			for _, ev := range s.drain() {
				s.dispatch(ev, frames)
			}
		}
	}
}

// flushFrames dispatches the frames queued on frames right now. It reports
// false when the channel was closed.
func (s *Session) flushFrames(frames <-chan audio.AudioFrame) bool {
	for range len(frames) {
		f, ok := <-frames
		if !ok {
			return false
		}
		s.dispatchFrame(f)
	}
	return true
}

// discardFrames drops the frames queued on frames right now. They were
// captured while the assistant was speaking.
func (s *Session) discardFrames(frames <-chan audio.AudioFrame) {
	n := 0
	for range len(frames) {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
			n++
			s.metrics.RecordFrame(s.ctx, observe.VerdictGated)
		default:
			return
		}
	}
	if n > 0 {
		s.log.Debug("duplex: discarded frames captured while speaking", "frames", n)
	}
}

func (s *Session) dispatchFrame(f audio.AudioFrame) {
	if s.conv != nil {
		f = s.conv.Convert(f)
	}
	if err := s.ctrl.Dispatch(s.ctx, FrameCaptured{Frame: f}); err != nil {
		s.log.Warn("duplex: dispatch frame", "err", err)
	}
}

func (s *Session) dispatch(ev Event, frames <-chan audio.AudioFrame) {
	epoch := s.ctrl.utterancesFinished()
	err := s.ctrl.Dispatch(s.ctx, ev)
	switch {
	case errors.Is(err, ErrNotListening):
		s.log.Info("duplex: speak request rejected", "err", err)
	case err != nil:
		s.log.Warn("duplex: dispatch", "event", fmt.Sprintf("%T", ev), "err", err)
	}
	// Everything still queued when an utterance ends was captured during it.
	if s.ctrl.utterancesFinished() != epoch {
		s.discardFrames(frames)
	}
	if req, ok := ev.(SpeakRequested); ok && req.reply != nil {
		req.reply <- err
	}
}

func (s *Session) teardown() error {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.ctrl.setEventSink(nil)
	ctx := context.WithoutCancel(s.ctx)
	_ = s.ctrl.Dispatch(ctx, Stop{})

	err := s.src.Disconnect()
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.log.Info("duplex: session closed")
	close(s.done)
	return err
}
