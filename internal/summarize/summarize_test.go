package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolrouter/pkg/provider/llm/mock"
	"github.com/MrWong99/toolrouter/pkg/types"
)

func newContext(t *testing.T) *session.ContextManager {
	t.Helper()
	cm, err := session.NewContextManager("You are a helpful assistant.", 10_000, nil)
	if err != nil {
		t.Fatalf("NewContextManager: %v", err)
	}
	_, err = cm.Append(
		types.NewMessage(types.RoleUser, "remind me to buy milk"),
		types.NewMessage(types.RoleAssistant, `{"path":"/todos","method":"POST","params":{},"body":{"item":"buy milk"}}`),
		types.NewMessage(types.RoleUser, "Request:\n{}\n\nResponse:\n201 Created"),
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return cm
}

func drain(st *Stream) string {
	var b strings.Builder
	for c := range st.Chunks() {
		b.WriteString(c)
	}
	return b.String()
}

func TestSummarize_CommitsOnCompletion(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "I added "},
		{Text: "buy milk to your todos."},
		{FinishReason: "stop"},
	}}
	cm := newContext(t)
	before := cm.Len()

	st, err := New(p, Config{}).Summarize(context.Background(), cm)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	got := drain(st)
	if err := st.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}

	const want = "I added buy milk to your todos."
	if got != want {
		t.Errorf("streamed text: got %q, want %q", got, want)
	}
	if !st.Committed() {
		t.Error("expected the summary to be committed")
	}
	if cm.Len() != before+1 {
		t.Errorf("context length: got %d, want %d", cm.Len(), before+1)
	}
	last, _ := cm.Last()
	if last.Role != types.RoleAssistant || last.Content != want {
		t.Errorf("last message: got %+v", last)
	}

	req := p.StreamCalls[0].Req
	if want := "You are a helpful assistant.\n\n" + DefaultPrompt; req.SystemPrompt != want {
		t.Errorf("system prompt: got %q, want %q", req.SystemPrompt, want)
	}
	if len(req.Messages) != before-1 {
		t.Errorf("messages: got %d, want %d", len(req.Messages), before-1)
	}
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			t.Error("preamble sent twice: once as a system message")
		}
	}
}

func TestSummarize_CancelLeavesContextUnchanged(t *testing.T) {
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "I added "}},
		StreamHold:   true,
	}
	cm := newContext(t)
	before := cm.Len()

	st, err := New(p, Config{}).Summarize(context.Background(), cm)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if first := <-st.Chunks(); first != "I added " {
		t.Fatalf("first chunk: got %q", first)
	}
	st.Cancel()

	select {
	case <-st.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after Cancel")
	}
	for range st.Chunks() {
	}
	if err := st.Err(); !errors.Is(err, ErrCancelled) {
		t.Errorf("Err: got %v, want ErrCancelled", err)
	}
	if st.Committed() {
		t.Error("cancelled summary was committed")
	}
	if cm.Len() != before {
		t.Errorf("context length: got %d, want %d", cm.Len(), before)
	}
}

func TestSummarize_ParentContextCancelled(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "partial"}}, StreamHold: true}
	cm := newContext(t)
	before := cm.Len()
	ctx, cancel := context.WithCancel(context.Background())

	st, err := New(p, Config{}).Summarize(ctx, cm)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	<-st.Chunks()
	cancel()
	drain(st)

	if err := st.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Err: got %v, want context.Canceled", err)
	}
	if cm.Len() != before {
		t.Errorf("context length: got %d, want %d", cm.Len(), before)
	}
}

func TestSummarize_Timeout(t *testing.T) {
	p := &llmmock.Provider{StreamHold: true}
	cm := newContext(t)
	before := cm.Len()

	st, err := New(p, Config{Timeout: 20 * time.Millisecond}).Summarize(context.Background(), cm)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	drain(st)
	if err := st.Err(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Err: got %v, want DeadlineExceeded", err)
	}
	if cm.Len() != before {
		t.Errorf("context length: got %d, want %d", cm.Len(), before)
	}
}

func TestSummarize_StreamError(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "I added"},
		{FinishReason: llm.FinishReasonError, Text: "connection reset"},
	}}
	cm := newContext(t)
	before := cm.Len()

	st, err := New(p, Config{Prompt: "be brief"}).Summarize(context.Background(), cm)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	drain(st)
	if err := st.Err(); !errors.Is(err, ErrGenerationUnavailable) {
		t.Errorf("Err: got %v, want ErrGenerationUnavailable", err)
	}
	if cm.Len() != before {
		t.Errorf("context length: got %d, want %d", cm.Len(), before)
	}
	if !strings.HasSuffix(p.StreamCalls[0].Req.SystemPrompt, "\n\nbe brief") {
		t.Errorf("custom prompt not used: %q", p.StreamCalls[0].Req.SystemPrompt)
	}
}

func TestSummarize_OpenError(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errors.New("unauthorized")}
	if _, err := New(p, Config{}).Summarize(context.Background(), newContext(t)); !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("err: got %v, want ErrGenerationUnavailable", err)
	}
}

func TestStatic(t *testing.T) {
	st := Static("I don't have a capability for that.")
	if got := drain(st); got != "I don't have a capability for that." {
		t.Errorf("got %q", got)
	}
	if err := st.Err(); err != nil {
		t.Errorf("Err: %v", err)
	}
	if st.Committed() {
		t.Error("static stream must not commit")
	}
	st.Cancel()
}

func TestStatic_UnreadCompletes(t *testing.T) {
	st := Static("I don't have a capability for that.")
	select {
	case <-st.Done():
	default:
		t.Fatal("static stream not done before any read")
	}
	st.Cancel()
	if got := drain(st); got != "I don't have a capability for that." {
		t.Errorf("got %q after Cancel", got)
	}
}
