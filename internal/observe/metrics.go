// Package observe holds the router's observability plumbing: OpenTelemetry
// metric instruments, tracing helpers, context-aware logging and the HTTP
// middleware that ties them to each request.
//
// Instruments are created through the OpenTelemetry metrics API. [InitProvider]
// bridges them to a Prometheus registry for the /metrics endpoint. Tests build
// their own instruments with [NewMetrics] on a private meter provider;
// [DefaultMetrics] serves code that was handed none.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every instrument.
const meterName = "github.com/MrWong99/toolrouter"

// Metrics holds the instruments of the router. The Record* helpers attach the
// attribute sets listed next to each field.
type Metrics struct {
	// StageDuration: pipeline stage latency. Attrs: stage.
	StageDuration metric.Float64Histogram
	// ProviderDuration: embeddings, rerank and generation latency. Attrs:
	// provider, kind.
	ProviderDuration metric.Float64Histogram
	// GateScore: top rerank score of each gated turn. Attrs: decision.
	GateScore metric.Float64Histogram
	// HTTPRequestDuration: request latency. Attrs: method, route, status.
	HTTPRequestDuration metric.Float64Histogram

	// ProviderRequests: client calls. Attrs: provider, kind, status.
	ProviderRequests metric.Int64Counter
	// ProviderErrors: failed client calls. Attrs: provider, kind.
	ProviderErrors metric.Int64Counter
	// Turns: turns by terminal state. Attrs: outcome.
	Turns metric.Int64Counter
	// DispatchRequests: outbound calls. Attrs: class, method.
	DispatchRequests metric.Int64Counter
	// SynthesisAttempts: generation attempts. Attrs: result.
	SynthesisAttempts metric.Int64Counter
	// ContextEvictions: messages evicted to stay within budget.
	ContextEvictions metric.Int64Counter

	// ActiveSessions: live conversations.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets (seconds) covers a local reranker through a slow hosted
// model.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// scoreBuckets covers the [0, 1] range of cross-encoder scores.
var scoreBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	met := &Metrics{}

	var errs []error
	check := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	histogram := func(name, desc, unit string, buckets []float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc)}
		if unit != "" {
			opts = append(opts, metric.WithUnit(unit))
		}
		if buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		check(name, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		check(name, err)
		return c
	}

	met.StageDuration = histogram("toolrouter.stage.duration", "Latency of pipeline stages.", "s", latencyBuckets)
	met.ProviderDuration = histogram("toolrouter.provider.duration", "Latency of embedding, rerank and generation calls.", "s", latencyBuckets)
	met.GateScore = histogram("toolrouter.gate.score", "Top rerank score per gated turn.", "", scoreBuckets)
	met.HTTPRequestDuration = histogram("toolrouter.http.request.duration", "HTTP request latency by method, route and status.", "s", nil)

	met.ProviderRequests = counter("toolrouter.provider.requests", "Provider requests by provider, kind and status.")
	met.ProviderErrors = counter("toolrouter.provider.errors", "Failed provider requests by provider and kind.")
	met.Turns = counter("toolrouter.turns", "Pipeline turns by outcome.")
	met.DispatchRequests = counter("toolrouter.dispatch.requests", "Dispatched HTTP requests by result class and method.")
	met.SynthesisAttempts = counter("toolrouter.synthesis.attempts", "Request synthesis attempts by result.")
	met.ContextEvictions = counter("toolrouter.context.evictions", "Messages evicted from conversation contexts.")

	var err error
	met.ActiveSessions, err = meter.Int64UpDownCounter("toolrouter.active_sessions",
		metric.WithDescription("Live conversation sessions."))
	check("toolrouter.active_sessions", err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created on
// first use. It panics if the global provider rejects them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordProviderRequest counts one client call and its latency. A non-nil err
// also counts as a provider error.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind string, d time.Duration, err error) {
	who := []attribute.KeyValue{attribute.String("provider", provider), attribute.String("kind", kind)}
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(who...))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(append(who, attribute.String("status", status))...))
	m.ProviderDuration.Record(ctx, d.Seconds(), metric.WithAttributes(who...))
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn counts a turn that ended in outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDispatch counts one outbound request.
func (m *Metrics) RecordDispatch(ctx context.Context, class, method string) {
	m.DispatchRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("method", method),
	))
}

// RecordSynthesisAttempt counts one generation attempt.
func (m *Metrics) RecordSynthesisAttempt(ctx context.Context, result string) {
	m.SynthesisAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordGateScore records the top score and the gate decision.
func (m *Metrics) RecordGateScore(ctx context.Context, score float64, decision string) {
	m.GateScore.Record(ctx, score, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordEvictions adds n to the eviction counter. n <= 0 is ignored.
func (m *Metrics) RecordEvictions(ctx context.Context, n int) {
	if n > 0 {
		m.ContextEvictions.Add(ctx, int64(n))
	}
}
