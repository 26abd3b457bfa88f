package app_test

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolrouter/internal/app"
	"github.com/MrWong99/toolrouter/internal/config"
	"github.com/MrWong99/toolrouter/internal/resilience"
	"github.com/MrWong99/toolrouter/internal/session"
	catmock "github.com/MrWong99/toolrouter/pkg/catalog/mock"
)

// testConfig returns a complete config whose dispatch target is baseURL.
func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Dispatch: config.DispatchConfig{BaseURL: baseURL},
		Prompts:  config.PromptsConfig{Rejection: "Not something I can do."},
		MCP:      config.MCPConfig{Enabled: true},
	}
	config.ApplyDefaults(cfg)
	cfg.Routing.Tokenizer = "chars"
	return cfg
}

// testProviders returns mock providers for all three clients.
func testProviders() *app.Providers {
	embed, rr, gen := testMocks()
	return &app.Providers{Embeddings: embed, Rerank: rr, LLM: gen}
}

func newTestApp(t *testing.T, opts ...app.Option) (*app.App, *config.Config) {
	t.Helper()
	cfg := testConfig(upstream(t).URL)
	opts = append([]app.Option{app.WithCatalog(catmock.New(todos))}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a, cfg
}

// chat posts one message and returns the concatenated SSE content.
func chat(t *testing.T, srv *httptest.Server, id, msg string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"message": msg})
	resp, err := http.Post(srv.URL+"/v1/sessions/"+id+"/chat", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	var out strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var ev struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal([]byte(data), &ev)
		out.WriteString(ev.Content)
	}
	return out.String()
}

func createSession(t *testing.T, srv *httptest.Server) session.Info {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var info session.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	return info
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	if a.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
	if a.Sessions() == nil {
		t.Fatal("Sessions() returned nil")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
		opts      []app.Option
		want      string
	}{
		{name: "nil providers", providers: nil, want: "providers must not be nil"},
		{name: "missing llm", providers: &app.Providers{Embeddings: testProviders().Embeddings, Rerank: testProviders().Rerank}, want: "llm provider is required"},
		{name: "no catalog and no dsn", providers: testProviders(), want: "postgres_dsn is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := app.New(context.Background(), testConfig("http://localhost:9"), tt.providers, tt.opts...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestApp_ServesChat(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	info := createSession(t, srv)
	if got := chat(t, srv, info.ID, "add milk"); got != "Added milk." {
		t.Errorf("reply = %q", got)
	}
	if got := chat(t, srv, info.ID, "sing"); got != "Not something I can do." {
		t.Errorf("rejection = %q", got)
	}
}

func TestApp_MountsMCP(t *testing.T) {
	t.Parallel()

	a, cfg := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	// A GET without an MCP session is rejected by the MCP handler, not 404.
	resp, err := http.Get(srv.URL + cfg.MCP.Path)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Errorf("GET %s returned 404, want the MCP handler", cfg.MCP.Path)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	a, cfg := newTestApp(t, app.WithLevelVar(level))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	updated := *cfg
	updated.Routing.RerankThreshold = 0.95
	updated.Prompts.Rejection = "Nope."
	updated.Server.LogLevel = config.LogDebug
	a.Reload(cfg, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	info := createSession(t, srv)
	if got := chat(t, srv, info.ID, "add milk"); got != "Nope." {
		t.Errorf("reply after reload = %q, want the new rejection", got)
	}
}

func TestApp_ReadyzReportsBreakers(t *testing.T) {
	t.Parallel()

	embed, rr, gen := testMocks()
	fb := resilience.NewLLMFallback(gen, "mock", resilience.FallbackConfig{Kind: "llm"})
	a, err := app.New(context.Background(), testConfig("http://localhost:9"),
		&app.Providers{Embeddings: embed, Rerank: rr, LLM: fb},
		app.WithCatalog(catmock.New(todos)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Checks["llm"] != "ok" {
		t.Errorf("readyz = %+v", body)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
