// Package app wires the Duplexa subsystems into a running kiosk service.
//
// New builds the recording pipeline (store, catalog, exporter) and the
// [SessionManager]; Handler exposes them over the HTTP control API; Shutdown
// stops the active session and releases everything in order.
//
// For testing, inject doubles through functional options (WithStore,
// WithCatalog, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/duplexa/internal/config"
	"github.com/MrWong99/duplexa/internal/duplex"
	"github.com/MrWong99/duplexa/internal/health"
	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/internal/recording"
	"github.com/MrWong99/duplexa/internal/recording/postgres"
	"github.com/MrWong99/duplexa/internal/resilience"
	"github.com/MrWong99/duplexa/pkg/audio"
	"github.com/MrWong99/duplexa/pkg/provider/stt"
	"github.com/MrWong99/duplexa/pkg/provider/tts"
	"github.com/MrWong99/duplexa/pkg/storage"
)

// Providers holds the external collaborators. Populated by main.go via the
// config registry. Transcriber may be nil.
type Providers struct {
	STT         stt.Provider
	TTS         tts.Provider
	Transcriber stt.Transcriber
	Device      audio.Device
	Sink        audio.Sink
}

// Catalog is a recording catalog that also answers readiness probes.
type Catalog interface {
	recording.Catalog
	health.Pinger
}

// App owns all subsystem lifetimes of the kiosk service.
type App struct {
	providers *Providers
	settings  atomic.Pointer[config.Config]
	log       *slog.Logger
	metrics   *observe.Metrics
	clock     duplex.Clock

	store          storage.Store
	catalog        Catalog
	exporter       *recording.Exporter
	sessions       *SessionManager
	health         *health.Handler
	metricsHandler http.Handler

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a recording store instead of creating one from config.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCatalog injects a recording catalog instead of connecting to PostgreSQL.
func WithCatalog(c Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithClock replaces the prompt timer clock of every session.
func WithClock(c duplex.Clock) Option {
	return func(a *App) { a.clock = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. ctx bounds store and catalog initialisation and the
// lifetime of every session started through the app.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{providers: providers, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.settings.Store(cfg)

	// ── 1. Recording store ───────────────────────────────────────────────
	if err := a.initStore(ctx, cfg.Recording); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(ctx, cfg.Recording.PostgresDSN); err != nil {
		_ = a.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 3. Exporter ──────────────────────────────────────────────────────
	a.initExporter(cfg.Recording)

	// ── 4. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Device:      providers.Device,
		Sink:        providers.Sink,
		STT:         providers.STT,
		TTS:         providers.TTS,
		Settings:    a.settings.Load,
		BaseContext: context.WithoutCancel(ctx),
		Clock:       a.clock,
		Metrics:     a.metrics,
		Logger:      a.log,
	})

	// ── 5. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.PingChecker("storage", a.store)}
	if a.catalog != nil {
		checkers = append(checkers, health.PingChecker("catalog", a.catalog))
	}
	a.health = health.New(checkers...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore builds the primary store and, when configured, a local fallback
// behind a circuit breaker.
func (a *App) initStore(ctx context.Context, rc config.RecordingConfig) error {
	if a.store != nil {
		return nil
	}

	var primary storage.Store
	switch rc.Storage.Backend {
	case config.StorageS3:
		s, err := storage.DialS3(ctx, storage.S3Config{
			Bucket:   rc.Storage.Bucket,
			Prefix:   rc.Storage.Prefix,
			Region:   rc.Storage.Region,
			Endpoint: rc.Storage.Endpoint,
		})
		if err != nil {
			return err
		}
		primary = s
	default:
		s, err := storage.NewLocal(rc.Storage.Dir)
		if err != nil {
			return err
		}
		primary = s
	}

	if rc.FallbackDir == "" || (rc.Storage.Backend == config.StorageLocal && rc.FallbackDir == rc.Storage.Dir) {
		a.store = primary
		a.log.Info("recording store ready", "backend", primary.Name())
		return nil
	}

	local, err := storage.NewLocal(rc.FallbackDir)
	if err != nil {
		return fmt.Errorf("fallback dir: %w", err)
	}
	fb := resilience.NewStoreFallback(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "storage", Logger: a.log},
	})
	fb.AddFallback(local)
	a.store = fb
	a.log.Info("recording store ready", "backend", primary.Name(), "fallback_dir", rc.FallbackDir)
	return nil
}

// initCatalog connects the PostgreSQL catalog if a DSN is configured.
func (a *App) initCatalog(ctx context.Context, dsn string) error {
	if a.catalog != nil || dsn == "" {
		return nil
	}
	c, err := postgres.NewCatalog(ctx, dsn)
	if err != nil {
		return err
	}
	a.catalog = c
	a.closers = append(a.closers, func() error {
		c.Close()
		return nil
	})
	return nil
}

func (a *App) initExporter(rc config.RecordingConfig) {
	opts := []recording.Option{
		recording.WithLogger(a.log),
		recording.WithMetrics(a.metrics),
		recording.WithMaxPending(rc.MaxPending),
	}
	if a.providers.Transcriber != nil {
		opts = append(opts, recording.WithTranscriber(a.providers.Transcriber))
	}
	if a.catalog != nil {
		opts = append(opts, recording.WithCatalog(a.catalog))
	}
	a.exporter = recording.NewExporter(a.store, opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Exporter returns the recording exporter.
func (a *App) Exporter() *recording.Exporter { return a.exporter }

// ApplyConfig swaps in cfg for the next session. Changes to providers or
// recording settings take effect only after a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	old := a.settings.Swap(cfg)
	d := config.Diff(old, cfg)
	if d.SessionChanged {
		a.log.Info("session settings updated; applying to next session")
	}
	if d.RequiresRestart() {
		a.log.Warn("config change requires restart to take effect",
			"providers", d.ProvidersChanged,
			"recording", d.RecordingChanged,
			"listen_addr", d.ListenAddrChanged,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and tears down all subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.sessions != nil && a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx); err != nil {
				a.log.Warn("session stop error", "err", err)
			}
		}
		if a.exporter != nil {
			if n := a.exporter.Pending(); n > 0 {
				a.log.Warn("undelivered recordings discarded", "count", n)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
