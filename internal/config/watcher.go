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

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads a config file while [Watcher.Run] is active and reports
// each valid content change to a callback. Invalid edits are logged and the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger
	reload   chan struct{}

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

// fileStamp is the cheap change check done on every tick before the file is
// read and hashed.
type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(fi os.FileInfo) fileStamp { return fileStamp{mod: fi.ModTime(), size: fi.Size()} }

func (s fileStamp) equal(o fileStamp) bool { return s.size == o.size && s.mod.Equal(o.mod) }

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger. Default: slog.Default().
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads and validates the config at path. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to re-read the file now, even if its size
// and modification time look unchanged. Requests made while one is pending
// are merged.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done and always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

// check reloads the file when its content changed. Unless forced, files whose
// stamp matches the last read are skipped without reading them.
func (w *Watcher) check(force bool) {
	var seen fileStamp
	if !force {
		fi, err := os.Stat(w.path)
		if err != nil {
			w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return
		}
		seen = stampOf(fi)
		w.mu.Lock()
		same := seen.equal(w.stamp)
		w.mu.Unlock()
		if same {
			return
		}
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		if !force {
			// Warn once per bad edit, not on every tick.
			w.mu.Lock()
			w.stamp = seen
			w.mu.Unlock()
		}
		return
	}

	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read parses and validates the file and returns it with its stamp and
// SHA-256.
func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, zero, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, zero, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, zero, err
	}
	return cfg, stampOf(fi), sha256.Sum256(data), nil
}
