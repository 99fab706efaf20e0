package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "span")
	defer span.End()
	if cid := CorrelationID(ctx); len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	_, span := StartSpan(context.Background(), "recognize")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "recognize" {
		t.Fatalf("spans = %v, want one named recognize", spans)
	}
}

func TestLogger_ContextLoggerAndTrace(t *testing.T) {
	var buf bytes.Buffer
	session := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "abc")

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(WithLogger(context.Background(), session), "log")
	defer span.End()

	Logger(ctx).Info("segment dropped")

	out := buf.String()
	for _, want := range []string{"session_id=abc", "trace_id=", "span_id=", "segment dropped"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogger_FallsBackToDefault(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("Logger returned nil")
	}
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	Logger(WithLogger(context.Background(), l)).Info("hello")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id without a span: %s", buf.String())
	}
}

func TestFail_MarksSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()
	_, bad := tp.Tracer("test").Start(context.Background(), "bad")
	Fail(bad, errors.New("stt timeout"))
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("nil error changed span: %+v", spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "stt timeout" {
		t.Errorf("status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 {
		t.Errorf("events = %d, want 1 recorded error", len(spans[1].Events))
	}
}
