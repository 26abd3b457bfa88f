package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	useTracer(t)
	ctx, span := StartSpan(context.Background(), "pipeline.retrieving")
	defer span.End()
	if got := CorrelationID(ctx); !traceIDPattern.MatchString(got) {
		t.Errorf("CorrelationID = %q, want 32 hex chars", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSession(context.Background(), "3f0c")
	_, span := StartSpan(ctx, "pipeline.gating")
	span.End()
	_, bare := StartSpan(context.Background(), "pipeline.idle")
	bare.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "pipeline.gating" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if string(kv.Key) == SessionAttr && kv.Value.AsString() == "3f0c" {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes = %v, want %s=3f0c", spans[0].Attributes, SessionAttr)
	}
	if len(spans[1].Attributes) != 0 {
		t.Errorf("span without session has attributes %v", spans[1].Attributes)
	}
}

func TestSessionID(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	if got := SessionID(WithSession(context.Background(), "abc")); got != "abc" {
		t.Errorf("SessionID = %q, want abc", got)
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name    string
		session string
		span    bool
		want    []string
		notWant []string
	}{
		{name: "bare", notWant: []string{"session=", "trace_id="}},
		{name: "session only", session: "s1", want: []string{"session=s1"}, notWant: []string{"trace_id="}},
		{name: "span only", span: true, want: []string{"trace_id=", "span_id="}, notWant: []string{"session="}},
		{name: "both", session: "s2", span: true, want: []string{"session=s2", "trace_id=", "span_id="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useTracer(t)
			buf := captureLogs(t)

			ctx := context.Background()
			if tt.session != "" {
				ctx = WithSession(ctx, tt.session)
			}
			if tt.span {
				c, s := Tracer().Start(ctx, "log")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("turn started")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("log %q unexpectedly contains %q", out, nw)
				}
			}
		})
	}
}
