package runtime

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/loqalabs/voicereport/internal/config"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestStdoutTracesAreSingleLineOnGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	tp, err := newTracerProvider(context.Background(), config.TelemetryConfig{TraceExporter: "stdout"}, resource.Empty(), &buf, newTestLogger())
	if err != nil {
		t.Fatalf("tracer provider: %v", err)
	}
	_, span := tp.Tracer("test").Start(context.Background(), "interpreter.dispatch")
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	out := strings.TrimSpace(buf.String())
	if !strings.Contains(out, `"interpreter.dispatch"`) {
		t.Fatalf("expected exported span, got %q", out)
	}
	if strings.Contains(out, "\n") {
		t.Fatalf("expected one line per span, got %q", out)
	}
}

func TestTracesOffByDefault(t *testing.T) {
	var buf bytes.Buffer
	tp, err := newTracerProvider(context.Background(), config.Default().Telemetry, resource.Empty(), &buf, newTestLogger())
	if err != nil {
		t.Fatalf("tracer provider: %v", err)
	}
	_, span := tp.Tracer("test").Start(context.Background(), "interpreter.dispatch")
	if span.IsRecording() {
		t.Fatal("expected span not to be recorded")
	}
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no trace output, got %q", buf.String())
	}
}

func TestDispatchLatencyUsesMillisecondBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := newMeterProvider(resource.Empty(), reader)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	hist, err := mp.Meter("test").Float64Histogram("voicereport.dispatch.latency_ms")
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(context.Background(), 120)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voicereport.dispatch.latency_ms" {
				continue
			}
			data, ok := m.Data.(metricdata.Histogram[float64])
			if !ok || len(data.DataPoints) != 1 {
				t.Fatalf("unexpected histogram data %#v", m.Data)
			}
			dp := data.DataPoints[0]
			if !slices.Equal(dp.Bounds, dispatchLatencyBuckets) {
				t.Fatalf("unexpected bounds %v", dp.Bounds)
			}
			// 120ms falls in (100, 250].
			if dp.BucketCounts[3] != 1 {
				t.Fatalf("unexpected bucket counts %v", dp.BucketCounts)
			}
			return
		}
	}
	t.Fatal("latency histogram not collected")
}
