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

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and reports validated changes that affect the
// running router.
//
// A change is delivered only when the new file parses, validates and differs
// from the current config in at least one field tracked by [Diff]. Edits that
// touch nothing tracked (comments, reordering) replace the current config
// silently. An invalid file is logged and ignored; the last valid config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fileState

	stop     chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once
}

// fileState identifies one version of the file on disk.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it. onChange may be
// nil; it is called from the polling goroutine, never concurrently with
// itself, and never after [Watcher.Stop] returns.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st

	w.stopped.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.stopped.Wait()
}

func (w *Watcher) loop() {
	defer w.stopped.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unreadable", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.modTime) && info.Size() == seen.size {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.seen = st
	if st.sum == seen.sum {
		w.mu.Unlock()
		return
	}
	w.current = cfg
	w.mu.Unlock()

	diff := Diff(old, cfg)
	if diff.Empty() {
		slog.Debug("config: file changed without effect", "path", w.path)
		return
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"routing", diff.RoutingChanged,
		"prompts", diff.PromptsChanged,
		"log_level", diff.LogLevelChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file. The checksum covers the raw bytes, so a
// change to an environment variable alone is not picked up.
func (w *Watcher) read() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader([]byte(ExpandEnv(string(data)))))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
