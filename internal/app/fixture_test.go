package app_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplexa/internal/app"
	"github.com/MrWong99/duplexa/internal/config"
	"github.com/MrWong99/duplexa/internal/recording"
	"github.com/MrWong99/duplexa/pkg/audio"
	audiomock "github.com/MrWong99/duplexa/pkg/audio/mock"
	sttmock "github.com/MrWong99/duplexa/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/duplexa/pkg/provider/tts/mock"
)

// fakeCatalog records every entry it is given.
type fakeCatalog struct {
	mu      sync.Mutex
	entries []recording.Entry
	pingErr error
}

func (c *fakeCatalog) Record(_ context.Context, e recording.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *fakeCatalog) Ping(context.Context) error { return c.pingErr }

func (c *fakeCatalog) recorded() []recording.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recording.Entry(nil), c.entries...)
}

// failingStore is a storage.Store whose writes fail until healed.
type failingStore struct {
	mu     sync.Mutex
	broken bool
	puts   map[string][]byte
}

func (s *failingStore) Name() string { return "flaky" }

func (s *failingStore) Put(_ context.Context, key string, body []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("bucket unreachable")
	}
	if s.puts == nil {
		s.puts = make(map[string][]byte)
	}
	s.puts[key] = body
	return nil
}

func (s *failingStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, os.ErrNotExist
}

func (s *failingStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.puts[key]
	return ok, nil
}

func (s *failingStore) Delete(context.Context, string) error { return nil }

func (s *failingStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("bucket unreachable")
	}
	return nil
}

func (s *failingStore) heal() {
	s.mu.Lock()
	s.broken = false
	s.mu.Unlock()
}

// testConfig returns a config with the prompt timer disabled and a local
// store rooted in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Duplex: config.DuplexConfig{PromptInterval: -1},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram"},
			TTS: config.ProviderEntry{Name: "openai"},
		},
		Recording: config.RecordingConfig{
			Storage: config.StorageConfig{Backend: config.StorageLocal, Dir: t.TempDir()},
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

type fixture struct {
	app     *app.App
	cfg     *config.Config
	dev     *audiomock.Device
	src     *audiomock.Source
	sink    *audiomock.Sink
	stt     *sttmock.Provider
	tts     *ttsmock.Provider
	tr      *sttmock.Transcriber
	catalog *fakeCatalog
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		cfg:     testConfig(t),
		src:     audiomock.NewSource(64),
		sink:    &audiomock.Sink{},
		stt:     &sttmock.Provider{},
		tts:     &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 64)}},
		tr:      &sttmock.Transcriber{Text: "hello kiosk"},
		catalog: &fakeCatalog{},
	}
	f.dev = &audiomock.Device{OpenResult: f.src}

	opts = append([]app.Option{app.WithCatalog(f.catalog)}, opts...)
	a, err := app.New(context.Background(), f.cfg, &app.Providers{
		STT:         f.stt,
		TTS:         f.tts,
		Transcriber: f.tr,
		Device:      f.dev,
		Sink:        f.sink,
	}, opts...)
	if err != nil {
		t.Fatalf("app.New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

// userFrame is one window of silence in the capture format; it carries no
// signature energy and is therefore recorded as user speech.
func (f *fixture) userFrame(ts time.Duration) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, f.cfg.Audio.WindowSize*2),
		SampleRate: f.cfg.Audio.SampleRate,
		Channels:   1,
		Timestamp:  ts,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
