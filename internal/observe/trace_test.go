package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_Attributes(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSpan(context.Background(), "toolcall.dispatch",
		attribute.String("tool.name", "logData"))
	if CorrelationID(ctx) == "" {
		t.Error("span has no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "toolcall.dispatch" {
		t.Fatalf("spans = %+v", spans)
	}
	if got := spans[0].Attributes; len(got) != 1 || got[0].Value.AsString() != "logData" {
		t.Errorf("attributes = %v", got)
	}
}

func TestFail(t *testing.T) {
	exp := useTracer(t)

	_, okSpan := StartSpan(context.Background(), "ok")
	Fail(okSpan, nil, "unused")
	okSpan.End()

	_, bad := StartSpan(context.Background(), "bad")
	Fail(bad, errors.New("time must be HH:mm"), "invalid")
	bad.End()

	spans := exp.GetSpans()
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "invalid" {
		t.Errorf("failed span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 {
		t.Errorf("events = %d, want the recorded error", len(spans[1].Events))
	}
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "session")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestWithTrace(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name    string
		span    bool
		wantIDs bool
	}{
		{"with span", true, true},
		{"without span", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil))

			ctx := context.Background()
			if tt.span {
				c, s := StartSpan(ctx, "log")
				defer s.End()
				ctx = c
			}
			WithTrace(ctx, base).Info("reminder toggled")

			out := buf.String()
			if got := strings.Contains(out, "trace_id=") && strings.Contains(out, "span_id="); got != tt.wantIDs {
				t.Errorf("trace ids present = %v, want %v: %s", got, tt.wantIDs, out)
			}
		})
	}
}

func TestLogger_UsesDefault(t *testing.T) {
	useTracer(t)
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "log")
	defer span.End()
	Logger(ctx).Info("log created")

	if !strings.Contains(buf.String(), "trace_id="+CorrelationID(ctx)) {
		t.Errorf("default logger output missing trace id: %s", buf.String())
	}
}
