package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider_ServesPrometheus(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", SkipRuntimeMetrics: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordTurn(context.Background(), "done")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "toolrouter_turns") {
		t.Errorf("scrape output missing the turn counter:\n%s", body)
	}
	if strings.Contains(string(body), "go_goroutines") {
		t.Error("runtime metrics present although skipped")
	}
}

func TestTelemetry_ShutdownTwice(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{SkipRuntimeMetrics: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	// The SDK reports a second shutdown as an error; it must not panic.
	_ = tel.Shutdown(context.Background())
}
