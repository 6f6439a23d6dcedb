package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/duplexa/internal/config"
	"github.com/MrWong99/duplexa/internal/duplex"
	"github.com/MrWong99/duplexa/internal/gate"
	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/internal/recognize"
	"github.com/MrWong99/duplexa/internal/synth"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/provider/stt"
	"github.com/MrWong99/duplexa/pkg/provider/tts"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a session runs.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned when an operation needs a running session.
	ErrNoSession = errors.New("app: no active session")
)

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
}

// SessionStatus is a point-in-time view of the session manager.
type SessionStatus struct {
	Active         bool
	Info           SessionInfo
	State          duplex.State
	GateOwner      gate.Owner
	BufferedFrames int
	LastTranscript string
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Device audio.Device
	Sink   audio.Sink
	STT    stt.Provider
	TTS    tts.Provider

	// Settings returns the configuration to use for the next session.
	Settings func() *config.Config

	// BaseContext bounds every session. Defaults to context.Background().
	BaseContext context.Context

	// Clock replaces the prompt timer clock. Nil uses the wall clock.
	Clock duplex.Clock

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// SessionManager runs at most one duplex session at a time against the local
// audio device. The controller of the last session is kept after it stops so
// its recording can still be exported.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig
	log *slog.Logger

	mu   sync.Mutex
	sess *duplex.Session
	ctrl *duplex.Controller
	info SessionInfo

	transcriptMu   sync.Mutex
	lastTranscript string
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{cfg: cfg, log: cfg.Logger}
}

// Start acquires the audio device and begins listening. The request context
// only scopes tracing; the session lives until [SessionManager.Stop], the
// base context ends, or the device stops delivering audio.
//
// Returns [ErrSessionActive] if a session is already running and a
// [*duplex.DeviceAcquisitionError] if the microphone is unavailable.
func (sm *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.sess != nil {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	_, span := observe.StartSpan(ctx, "session.start")
	defer span.End()

	settings := sm.cfg.Settings()
	ctrl, err := sm.newController(settings)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return SessionInfo{}, err
	}

	info := SessionInfo{SessionID: "session-" + uuid.NewString(), StartedAt: time.Now().UTC()}
	span.SetAttributes(attribute.String("session.id", info.SessionID))
	log := sm.log.With("session_id", info.SessionID)

	sess, err := duplex.Open(observe.WithSessionID(sm.cfg.BaseContext, info.SessionID), sm.cfg.Device, ctrl,
		duplex.WithSessionLogger(log),
		duplex.WithSessionMetrics(sm.cfg.Metrics),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return SessionInfo{}, fmt.Errorf("app: open session: %w", err)
	}

	sm.sess = sess
	sm.ctrl = ctrl
	sm.info = info
	sm.setTranscript("")
	go sm.watch(sess)

	log.Info("session started",
		"sample_rate", settings.Audio.SampleRate,
		"window_size", settings.Audio.WindowSize,
		"prompt_interval", settings.Duplex.PromptInterval,
	)
	return info, nil
}

// Stop ends the active session and releases the audio device.
// Returns [ErrNoSession] if no session is active.
func (sm *SessionManager) Stop(_ context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.sess == nil {
		return ErrNoSession
	}
	sess, id := sm.sess, sm.info.SessionID
	sm.sess = nil
	sm.info = SessionInfo{}

	if err := sess.Close(); err != nil {
		sm.log.Warn("session: device disconnect error", "session_id", id, "err", err)
	}
	sm.log.Info("session stopped", "session_id", id)
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sess != nil
}

// Status returns the current session status.
func (sm *SessionManager) Status() SessionStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st := SessionStatus{Active: sm.sess != nil, Info: sm.info, State: duplex.StateIdle}
	if sm.ctrl != nil {
		st.State = sm.ctrl.State()
		st.GateOwner = sm.ctrl.GateOwner()
		st.BufferedFrames = sm.ctrl.Buffered()
	}
	sm.transcriptMu.Lock()
	st.LastTranscript = sm.lastTranscript
	sm.transcriptMu.Unlock()
	return st
}

// Speak asks the active session to say text. It returns [ErrNoSession]
// without a session and [duplex.ErrNotListening] while the assistant is
// already speaking.
func (sm *SessionManager) Speak(text string) error {
	sm.mu.Lock()
	sess := sm.sess
	sm.mu.Unlock()

	if sess == nil {
		return ErrNoSession
	}
	return sess.Speak(text)
}

// TakeRecording returns the buffered user speech of the current or last
// session and empties the buffer. It returns an empty slice when nothing
// was recorded.
func (sm *SessionManager) TakeRecording() []audio.AudioFrame {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()

	if ctrl == nil {
		return []audio.AudioFrame{}
	}
	return ctrl.ExportRecording()
}

func (sm *SessionManager) newController(settings *config.Config) (*duplex.Controller, error) {
	sc := settings.SessionConfig()
	sttEntry := settings.Providers.STT

	rec := recognize.New(sm.cfg.STT, stt.StreamConfig{
		SampleRate:     sc.SampleRate,
		Channels:       sc.Channels,
		Language:       sttEntry.Option("language", recognize.DefaultLanguage),
		InterimResults: true,
	},
		recognize.WithLogger(sm.log),
		recognize.WithMetrics(sm.cfg.Metrics),
		recognize.WithProviderName(sttEntry.Name),
	)

	voice := tts.VoiceProfile{
		ID:          settings.Duplex.Voice.VoiceID,
		Provider:    settings.Providers.TTS.Name,
		SpeedFactor: settings.Duplex.Voice.SpeedFactor,
	}
	speaker := synth.New(sm.cfg.TTS, sm.cfg.Sink,
		synth.WithVoice(voice),
		synth.WithLogger(sm.log),
		synth.WithMetrics(sm.cfg.Metrics),
		synth.WithProviderName(settings.Providers.TTS.Name),
	)

	opts := []duplex.Option{
		duplex.WithLogger(sm.log),
		duplex.WithMetrics(sm.cfg.Metrics),
		duplex.OnTranscript(func(text string, isFinal bool) {
			if isFinal {
				sm.setTranscript(text)
			}
		}),
		duplex.OnStateChange(func(from, to duplex.State) {
			sm.log.Debug("session state changed", "from", from, "to", to)
		}),
	}
	if sm.cfg.Clock != nil {
		opts = append(opts, duplex.WithClock(sm.cfg.Clock))
	}

	ctrl, err := duplex.New(sc, rec, speaker, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: build controller: %w", err)
	}
	return ctrl, nil
}

// watch clears the active session when it ends on its own.
func (sm *SessionManager) watch(sess *duplex.Session) {
	<-sess.Done()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sess != sess {
		return
	}
	sm.log.Info("session ended", "session_id", sm.info.SessionID)
	sm.sess = nil
	sm.info = SessionInfo{}
}

func (sm *SessionManager) setTranscript(text string) {
	sm.transcriptMu.Lock()
	sm.lastTranscript = text
	sm.transcriptMu.Unlock()
}
