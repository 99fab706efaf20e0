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

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// snapshot is one successfully validated read of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher keeps the last valid configuration of a file. It notices edits by
// polling the modification time, and [Watcher.Reload] forces a read, e.g. on
// SIGHUP. Only a content change that validates replaces the current
// configuration; onChange then receives the previous and the new one.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(prev, next *Config)
	log      *slog.Logger
	kick     chan struct{}

	mu      sync.Mutex
	last    snapshot
	seen    time.Time // mtime of the last read, valid or not
	version int
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher reads path once. An invalid file is an error here, unlike later
// edits which are only logged.
func NewWatcher(path string, onChange func(prev, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
		log:      slog.Default(),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last, w.seen, w.version = snap, snap.mtime, 1
	return w, nil
}

// Current returns the configuration in force.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Version counts the configurations applied so far, starting at 1.
func (w *Watcher) Version() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Reload asks the running watcher to read the file now regardless of its
// modification time. It never blocks; requests made while one is pending
// collapse into it.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. It returns nil so it can share an errgroup
// with the server.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(false)
		case <-w.kick:
			w.poll(true)
		}
	}
}

func (w *Watcher) poll(force bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	stale := force || !info.ModTime().Equal(w.seen)
	w.seen = info.ModTime()
	w.mu.Unlock()
	if !stale {
		return
	}

	snap, err := readSnapshot(w.path)
	if err != nil {
		// Reported once per edit since seen already moved on.
		w.log.Warn("config watcher: keeping previous configuration", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.last.sum {
		w.mu.Unlock()
		return
	}
	prev := w.last.cfg
	w.last = snap
	w.version++
	version := w.version
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path, "version", version)
	if w.onChange != nil {
		w.onChange(prev, snap.cfg)
	}
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
