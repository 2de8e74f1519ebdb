package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point of name whose
// attributes include every key/value in match.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want an int64 sum", name, met.Data)
	}
outer:
	for _, dp := range sum.DataPoints {
		for _, kv := range match {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				continue outer
			}
		}
		return dp.Value
	}
	return 0
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "logData", "ok")
	m.RecordToolCall(ctx, "logData", "ok")
	m.RecordToolCall(ctx, "setReminder", "invalid")
	m.RecordFrame(ctx, FrameSent)
	m.RecordFrame(ctx, FrameSent)
	m.RecordFrame(ctx, FrameDropped)
	m.RecordTurn(ctx)
	m.RecordTurn(ctx)
	m.RecordInterruption(ctx)
	m.RecordProviderRequest(ctx, "gemini", "synthesize", "ok")
	m.RecordProviderRequest(ctx, "gemini", "synthesize", "error")
	m.RecordProviderError(ctx, "gemini", "synthesize")
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, 2)
	m.ActiveConnections.Add(ctx, -1)

	rm := collect(t, reader)
	tests := []struct {
		metric string
		match  []attribute.KeyValue
		want   int64
	}{
		{"dialog.tool.calls", []attribute.KeyValue{Attr("tool", "logData"), Attr("status", "ok")}, 2},
		{"dialog.tool.calls", []attribute.KeyValue{Attr("tool", "setReminder"), Attr("status", "invalid")}, 1},
		{"dialog.audio.frames", []attribute.KeyValue{Attr("status", FrameSent)}, 2},
		{"dialog.audio.frames", []attribute.KeyValue{Attr("status", FrameDropped)}, 1},
		{"dialog.audio.frames", []attribute.KeyValue{Attr("status", FrameFailed)}, 0},
		{"dialog.voice.turns", nil, 2},
		{"dialog.voice.interruptions", nil, 1},
		{"dialog.provider.requests", []attribute.KeyValue{Attr("provider", "gemini"), Attr("status", "error")}, 1},
		{"dialog.provider.errors", []attribute.KeyValue{Attr("kind", "synthesize")}, 1},
		{"dialog.active_sessions", nil, 1},
		{"dialog.active_connections", nil, 1},
	}
	for _, tt := range tests {
		if got := sumWhere(t, rm, tt.metric, tt.match...); got != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.metric, tt.match, got, tt.want)
		}
	}
}

func TestLatencyHistograms(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := map[string]metric.Float64Histogram{
		"dialog.session.setup.duration":  m.SessionSetupDuration,
		"dialog.tts.duration":            m.SynthesisDuration,
		"dialog.tool_execution.duration": m.ToolExecutionDuration,
		"dialog.http.request.duration":   m.HTTPRequestDuration,
	}
	for _, h := range histograms {
		h.Record(ctx, 0.25)
		h.Record(ctx, 3)
	}

	rm := collect(t, reader)
	for name := range histograms {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("%s not found", name)
			continue
		}
		hist := met.Data.(metricdata.Histogram[float64])
		dp := hist.DataPoints[0]
		if dp.Count != 2 || dp.Sum != 3.25 {
			t.Errorf("%s: count %d sum %v", name, dp.Count, dp.Sum)
		}
		if len(dp.Bounds) != len(latencyBuckets) {
			t.Errorf("%s: %d bounds, want %d", name, len(dp.Bounds), len(latencyBuckets))
		}
	}
}

// failingMeter rejects histogram creation.
type failingMeter struct{ noop.Meter }

func (failingMeter) Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return nil, errors.New("boom")
}

type failingProvider struct{ noop.MeterProvider }

func (failingProvider) Meter(string, ...metric.MeterOption) metric.Meter { return failingMeter{} }

func TestNewMetrics_InstrumentError(t *testing.T) {
	t.Parallel()
	if _, err := NewMetrics(failingProvider{}); err == nil {
		t.Fatal("expected error when an instrument cannot be created")
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
