package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ReloadFunc receives the previous and the freshly loaded config together
// with their [ConfigDiff]. It runs on the watcher goroutine, or on the
// caller's goroutine for [Watcher.Reload].
type ReloadFunc func(old, next *Config, diff ConfigDiff)

// fileStamp identifies one version of the config file.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and hot-reloads it. A new version is only
// accepted when it parses and validates; otherwise the previous config stays
// current and the failure is reported by [Watcher.LastError]. Edits that do
// not change any setting (comments, formatting) are absorbed silently.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	// checkMu serialises polls with explicit Reload calls.
	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	lastErr error

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. onReload may be nil.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp = cfg, stamp

	go w.run()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// LastError returns why the most recent reload attempt was rejected, or nil
// if it succeeded.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Reload re-reads the file immediately, ignoring the modification time. It
// returns the load error, if any, and otherwise behaves like a poll.
func (w *Watcher) Reload() error {
	return w.check(true)
}

// Stop ends polling and waits for the poll goroutine to exit. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			_ = w.check(false)
		}
	}
}

// check loads the file when it changed (or unconditionally when forced) and
// publishes the result.
func (w *Watcher) check(force bool) error {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.log.Warn("config watcher: stat failed", "path", w.path, "err", err)
			return err
		}
		w.mu.Lock()
		unchanged := info.ModTime().Equal(w.stamp.mtime) && info.Size() == w.stamp.size
		w.mu.Unlock()
		if unchanged {
			return nil
		}
	}

	cfg, stamp, err := w.read()
	w.mu.Lock()
	if err != nil {
		// Remember the stamp so a broken file is reported once per edit.
		w.stamp.mtime, w.stamp.size = stamp.mtime, stamp.size
		w.lastErr = err
		w.mu.Unlock()
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return err
	}
	w.lastErr = nil
	if stamp.sum == w.stamp.sum {
		w.stamp = stamp
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current, w.stamp = cfg, stamp
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		w.log.Debug("config watcher: file changed without setting changes", "path", w.path)
		return nil
	}
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"session", d.SessionChanged,
		"restart_required", d.RequiresRestart(),
	)
	if w.onReload != nil {
		w.onReload(old, cfg, d)
	}
	return nil
}

// read loads and validates the file. The returned stamp carries the file's
// mtime and size even when parsing fails.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := fileStamp{mtime: info.ModTime(), size: info.Size()}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, err
	}
	stamp.sum = sha256.Sum256(data)
	return cfg, stamp, nil
}
