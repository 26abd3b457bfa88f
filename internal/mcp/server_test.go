package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolrouter/internal/dispatch"
	"github.com/MrWong99/toolrouter/internal/gate"
	"github.com/MrWong99/toolrouter/internal/mcp"
	"github.com/MrWong99/toolrouter/internal/pipeline"
	"github.com/MrWong99/toolrouter/internal/retrieve"
	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/internal/summarize"
	"github.com/MrWong99/toolrouter/internal/synth"
	"github.com/MrWong99/toolrouter/pkg/catalog"
	catmock "github.com/MrWong99/toolrouter/pkg/catalog/mock"
	embmock "github.com/MrWong99/toolrouter/pkg/provider/embeddings/mock"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolrouter/pkg/provider/llm/mock"
	rerankmock "github.com/MrWong99/toolrouter/pkg/provider/rerank/mock"
)

// chats runs every turn on its own context and records the sessions used.
type chats struct {
	pipeline  *pipeline.Pipeline
	err       error
	createErr error

	mu       sync.Mutex
	sessions map[string]*session.ContextManager
	created  int
}

func (c *chats) Create() (session.Info, error) {
	if c.createErr != nil {
		return session.Info{}, c.createErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	id := "s" + string(rune('0'+c.created))
	cm, err := session.NewContextManager("You are a personal assistant.", 10_000, nil)
	if err != nil {
		return session.Info{}, err
	}
	c.sessions[id] = cm
	return session.Info{ID: id}, nil
}

func (c *chats) Chat(ctx context.Context, id, query string) (*pipeline.Turn, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	cm, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return nil, session.ErrNotFound
	}
	return c.pipeline.Run(ctx, cm, query)
}

func newChats(t *testing.T) *chats {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":7}`)
	}))
	t.Cleanup(upstream.Close)

	todos := catalog.Descriptor{
		Path:        "/todos",
		Method:      catalog.MethodPost,
		Description: "Create a todo item",
		Body:        json.RawMessage(`{"type":"object","properties":{"item":{"type":"string"}}}`),
		Embedding:   []float32{1, 0},
	}
	r, err := retrieve.New(&embmock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2}, catmock.New(todos), retrieve.Config{})
	if err != nil {
		t.Fatal(err)
	}
	g, err := gate.New(&rerankmock.Provider{ScoreFunc: func(q, _ string) float64 {
		if strings.Contains(q, "milk") {
			return 0.9
		}
		return 0.1
	}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	d, err := dispatch.New(dispatch.Config{BaseURL: upstream.URL})
	if err != nil {
		t.Fatal(err)
	}
	gen := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: `{"path":"/todos","method":"POST","params":{},"body":{"item":"milk"}}`}},
		StreamChunks:      []llm.Chunk{{Text: "Added milk."}, {FinishReason: "stop"}},
	}
	p, err := pipeline.New(pipeline.Stages{
		Retriever:   r,
		Gate:        g,
		Synthesizer: synth.New(gen, synth.Config{Backoff: time.Millisecond}),
		Dispatcher:  d,
		Summarizer:  summarize.New(gen, summarize.Config{}),
	}, pipeline.Routing{TopK: 1, Threshold: 0.5}, pipeline.WithRejection("No matching endpoint."))
	if err != nil {
		t.Fatal(err)
	}
	return &chats{pipeline: p, sessions: make(map[string]*session.ContextManager)}
}

func connect(t *testing.T, c mcp.Chats) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := mcp.NewServer(c, "test")
	serverT, clientT := mcpsdk.NewInMemoryTransports()
	if _, err := srv.SDK().Connect(ctx, serverT, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcpsdk.ClientSession, args map[string]any) (*mcpsdk.CallToolResult, mcp.RouteOutput) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: mcp.ToolName, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var out mcp.RouteOutput
	if res.StructuredContent != nil {
		raw, _ := json.Marshal(res.StructuredContent)
		_ = json.Unmarshal(raw, &out)
	}
	return res, out
}

func textOf(res *mcpsdk.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func TestServer_ListsTool(t *testing.T) {
	cs := connect(t, newChats(t))
	var names []string
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, tool.Name)
	}
	if len(names) != 1 || names[0] != mcp.ToolName {
		t.Errorf("tools = %v, want [%s]", names, mcp.ToolName)
	}
}

func TestRoute_Dispatched(t *testing.T) {
	c := newChats(t)
	cs := connect(t, c)

	res, out := call(t, cs, map[string]any{"message": "add milk to my list"})
	if res.IsError {
		t.Fatalf("IsError: %s", textOf(res))
	}
	if textOf(res) != "Added milk." {
		t.Errorf("text = %q", textOf(res))
	}
	if out.Endpoint != "POST /todos" || out.Status != http.StatusCreated {
		t.Errorf("out = %+v", out)
	}
	if out.State != string(pipeline.StateDone) || out.SessionID != "s1" {
		t.Errorf("out = %+v", out)
	}
}

func TestRoute_Rejected(t *testing.T) {
	cs := connect(t, newChats(t))

	res, out := call(t, cs, map[string]any{"message": "sing a song"})
	if res.IsError {
		t.Fatalf("IsError: %s", textOf(res))
	}
	if textOf(res) != "No matching endpoint." {
		t.Errorf("text = %q", textOf(res))
	}
	if out.State != string(pipeline.StateRejected) || out.Endpoint != "" {
		t.Errorf("out = %+v", out)
	}
}

func TestRoute_ReusesSession(t *testing.T) {
	c := newChats(t)
	cs := connect(t, c)

	_, first := call(t, cs, map[string]any{"message": "sing a song"})
	_, second := call(t, cs, map[string]any{"message": "sing another", "session_id": first.SessionID})
	if second.SessionID != first.SessionID {
		t.Errorf("session = %q, want %q", second.SessionID, first.SessionID)
	}
	if c.created != 1 {
		t.Errorf("sessions created = %d, want 1", c.created)
	}
}

func TestRoute_Errors(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		err       error
		createErr error
		want      string
	}{
		{name: "empty message", args: map[string]any{"message": " "}, want: "must not be empty"},
		{name: "unknown session", args: map[string]any{"message": "hi", "session_id": "gone"}, want: "not found"},
		{name: "chat error", args: map[string]any{"message": "hi"}, err: errors.New("catalog offline"), want: "catalog offline"},
		{name: "create error", args: map[string]any{"message": "hi"}, createErr: session.ErrBudgetBelowPreamble, want: "create session: session: token budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChats(t)
			c.err = tt.err
			c.createErr = tt.createErr
			res, _ := call(t, connect(t, c), tt.args)
			if !res.IsError {
				t.Fatal("IsError = false, want true")
			}
			if !strings.Contains(textOf(res), tt.want) {
				t.Errorf("text = %q, want it to contain %q", textOf(res), tt.want)
			}
		})
	}
}
