// Package observe provides application-wide observability primitives for
// DiaLog: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all DiaLog metrics.
const meterName = "github.com/dialoghealth/dialog"

// Frame status values for [Metrics.RecordFrame].
const (
	FrameSent    = "sent"
	FrameDropped = "dropped"
	FrameFailed  = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionSetupDuration tracks the time from dialling the live backend to
	// the session being usable.
	SessionSetupDuration metric.Float64Histogram

	// SynthesisDuration tracks speech-on-demand synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool-call dispatch latency, persistence
	// included.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// AudioFrames counts captured microphone frames by outcome. Use with
	// attribute.String("status", FrameSent|FrameDropped|FrameFailed).
	AudioFrames metric.Int64Counter

	// Turns counts finalized conversation turns.
	Turns metric.Int64Counter

	// Interruptions counts barge-in events that cleared scheduled playback.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of connected bridge clients.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled with
	// method, route and status by [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning a fast store
// write to a slow synthesis request.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := builder{m: mp.Meter(meterName)}
	met := &Metrics{
		SessionSetupDuration:  b.latency("dialog.session.setup.duration", "Latency from dialling the live backend to an open session."),
		SynthesisDuration:     b.latency("dialog.tts.duration", "Latency of speech-on-demand synthesis."),
		ToolExecutionDuration: b.latency("dialog.tool_execution.duration", "Latency of tool-call dispatch, persistence included."),
		ProviderRequests:      b.counter("dialog.provider.requests", "Provider API requests by provider, kind and status."),
		ToolCalls:             b.counter("dialog.tool.calls", "Tool invocations by tool and status."),
		AudioFrames:           b.counter("dialog.audio.frames", "Captured audio frames by outcome."),
		Turns:                 b.counter("dialog.voice.turns", "Finalized conversation turns."),
		Interruptions:         b.counter("dialog.voice.interruptions", "Barge-in interruptions."),
		ProviderErrors:        b.counter("dialog.provider.errors", "Provider errors by provider and kind."),
		ActiveSessions:        b.gauge("dialog.active_sessions", "Live voice sessions."),
		ActiveConnections:     b.gauge("dialog.active_connections", "Connected bridge clients."),
		HTTPRequestDuration:   b.latency("dialog.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	m   metric.Meter
	err error
}

func (b *builder) latency(name, desc string) metric.Float64Histogram {
	h, err := b.m.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.keep(err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) keep(err error) {
	if b.err == nil && err != nil {
		b.err = fmt.Errorf("observe: create instrument: %w", err)
	}
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the shared [Metrics] built on the global meter
// provider at first use. It panics if an instrument cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall counts one tool invocation with its outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordFrame records the outcome of one captured audio frame.
func (m *Metrics) RecordFrame(ctx context.Context, status string) {
	m.AudioFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTurn records one finalized turn.
func (m *Metrics) RecordTurn(ctx context.Context) {
	m.Turns.Add(ctx, 1)
}

// RecordInterruption records one barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
