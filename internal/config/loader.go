package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":         {"deepgram"},
	"tts":         {"openai", "elevenlabs"},
	"transcriber": {"openai"},
	"device":      {"malgo"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if w := cfg.Audio.WindowSize; w != 0 && (w < 32 || w > 32768 || bits.OnesCount(uint(w)) != 1) {
		errs = append(errs, fmt.Errorf("audio.window_size %d must be a power of two in [32, 32768]", w))
	}
	validateProviderName("device", cfg.Audio.Device)

	// Duplex
	for i, f := range cfg.Duplex.Signature.Frequencies {
		if f <= 0 {
			errs = append(errs, fmt.Errorf("duplex.signature.frequencies[%d] %.1f must be positive", i, f))
		}
		if cfg.Audio.SampleRate > 0 && f >= float64(cfg.Audio.SampleRate)/2 {
			errs = append(errs, fmt.Errorf("duplex.signature.frequencies[%d] %.1f is above the Nyquist frequency", i, f))
		}
	}
	if t := cfg.Duplex.Signature.Threshold; t < 0 || t > 255 {
		errs = append(errs, fmt.Errorf("duplex.signature.threshold %.1f is out of range [0, 255]", t))
	}
	if e := cfg.Duplex.EchoSimilarity; e != nil && (*e < 0 || *e > 1) {
		errs = append(errs, fmt.Errorf("duplex.echo_similarity %.2f is out of range [0, 1]", *e))
	}
	if s := cfg.Duplex.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("duplex.voice.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// Recording
	st := cfg.Recording.Storage
	if st.Backend != "" && !st.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("recording.storage.backend %q is invalid; valid values: s3, local", st.Backend))
	}
	if st.Backend == StorageS3 && st.Bucket == "" {
		errs = append(errs, errors.New("recording.storage.bucket is required when backend is s3"))
	}
	if st.Backend == StorageLocal && st.Dir == "" {
		errs = append(errs, errors.New("recording.storage.dir is required when backend is local"))
	}
	if cfg.Recording.PostgresDSN == "" {
		slog.Debug("recording.postgres_dsn is empty; recordings will not be cataloged")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
