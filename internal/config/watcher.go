package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultWatchInterval is how often the file's mtime is checked.
const defaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the reloaded config together with
// their [Diff].
type ChangeFunc func(old, new *Config, d ConfigDiff)

// snapshot is one successfully loaded version of the file.
type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid changes to a [ChangeFunc].
// Reloaded configs get the same environment overrides as [Load]. A file that
// fails to parse or validate is logged and ignored; the last good config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	getenv   func(string) string
	logger   *slog.Logger

	// reloadMu serialises reloads from the poll loop and [Watcher.Reload].
	reloadMu sync.Mutex

	mu   sync.Mutex
	last snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload diagnostics.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithGetenv replaces the environment lookup used for credential overrides.
func WithGetenv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) {
		if getenv != nil {
			w.getenv = getenv
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		getenv:   os.Getenv,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "config", "path", path)

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = snap

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Reload re-reads the file now, regardless of its mtime. It returns the
// load error, if any, and reports a content change to the callback like a
// poll would.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

// Stop ends polling and waits for the poll goroutine to exit. It is safe to
// call more than once but not from within the [ChangeFunc].
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.reload(false); err != nil {
				w.logger.Warn("config reload failed", "err", err)
			}
		}
	}
}

// reload loads the file when its mtime moved (or always when force is set)
// and publishes the result if the content differs from the current one.
func (w *Watcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	prev := w.last
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if info.ModTime().Equal(prev.mtime) {
			return nil
		}
	}

	snap, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if snap.sum == prev.sum {
		// Touched, not edited.
		w.last.mtime = snap.mtime
		w.mu.Unlock()
		return nil
	}
	w.last = snap
	w.mu.Unlock()

	d := Diff(prev.cfg, snap.cfg)
	w.logger.Info("configuration reloaded", "restart_required", d.RequiresRestart())
	if w.onChange != nil {
		w.onChange(prev.cfg, snap.cfg, d)
	}
	return nil
}

// read loads, overrides and validates the file, returning it with its mtime
// and content hash.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	ApplyEnv(cfg, w.getenv)
	if err := Validate(cfg); err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
