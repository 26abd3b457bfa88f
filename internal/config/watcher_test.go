package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/toolrouter/internal/config"
)

const watchedYAML = `
server:
  log_level: info
providers:
  embeddings:
    name: ollama
    model: nomic-embed-text
  rerank:
    name: remote
    base_url: http://localhost:8081
  llm:
    name: ollama
    model: llama3
catalog:
  postgres_dsn: "postgres://localhost/test"
routing:
  rerank_threshold: 0.5
dispatch:
  base_url: http://localhost:9000
`

const pollInterval = 20 * time.Millisecond

// change is one delivered reload.
type change struct{ old, new *config.Config }

// startWatcher writes content to a temp file and watches it. Every delivered
// change is sent on the returned channel.
func startWatcher(t *testing.T, content string) (string, *config.Watcher, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, changes
}

// rewrite replaces the file content and bumps its mtime so the next poll sees
// it even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	writeFile(t, path, content)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watchedYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil")
	}
	if cfg.Routing.RerankThreshold != 0.5 {
		t.Errorf("threshold = %v, want 0.5", cfg.Routing.RerankThreshold)
	}
	if cfg.Routing.TopK == 0 {
		t.Error("defaults were not applied")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_DeliversRoutingChange(t *testing.T) {
	t.Parallel()
	path, w, changes := startWatcher(t, watchedYAML)

	updated := strings.Replace(watchedYAML, "rerank_threshold: 0.5", "rerank_threshold: 0.7", 1)
	updated = strings.Replace(updated, "log_level: info", "log_level: debug", 1)
	rewrite(t, path, updated)

	select {
	case c := <-changes:
		if c.old.Routing.RerankThreshold != 0.5 || c.new.Routing.RerankThreshold != 0.7 {
			t.Errorf("threshold %v -> %v, want 0.5 -> 0.7", c.old.Routing.RerankThreshold, c.new.Routing.RerankThreshold)
		}
		d := config.Diff(c.old, c.new)
		if !d.RoutingChanged || !d.LogLevelChanged {
			t.Errorf("diff = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log level = %q, want debug", got)
	}
}

func TestWatcher_IgnoresEditsWithoutEffect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(path string) error
	}{
		{
			name: "touch",
			mutate: func(path string) error {
				later := time.Now().Add(2 * time.Second)
				return os.Chtimes(path, later, later)
			},
		},
		{
			name: "comment",
			mutate: func(path string) error {
				if err := os.WriteFile(path, []byte("# tuned on monday\n"+watchedYAML), 0o644); err != nil {
					return err
				}
				later := time.Now().Add(2 * time.Second)
				return os.Chtimes(path, later, later)
			},
		},
		{
			name: "invalid",
			mutate: func(path string) error {
				if err := os.WriteFile(path, []byte("server:\n  log_level: bananas\n"), 0o644); err != nil {
					return err
				}
				later := time.Now().Add(2 * time.Second)
				return os.Chtimes(path, later, later)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, changes := startWatcher(t, watchedYAML)
			if err := tt.mutate(path); err != nil {
				t.Fatal(err)
			}

			select {
			case c := <-changes:
				t.Fatalf("unexpected change delivered: %+v", config.Diff(c.old, c.new))
			case <-time.After(10 * pollInterval):
			}
			if got := w.Current().Routing.RerankThreshold; got != 0.5 {
				t.Errorf("Current() threshold = %v, want 0.5", got)
			}
		})
	}
}

func TestWatcher_NoCallbackAfterStop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watchedYAML)

	var calls atomic.Int32
	w, err := config.NewWatcher(path, func(_, _ *config.Config) { calls.Add(1) }, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()

	rewrite(t, path, strings.Replace(watchedYAML, "0.5", "0.9", 1))
	time.Sleep(5 * pollInterval)
	if n := calls.Load(); n != 0 {
		t.Errorf("callback ran %d times after Stop", n)
	}
}
