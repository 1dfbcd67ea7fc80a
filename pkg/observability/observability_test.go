package observability

import (
	"context"
	"testing"
	"time"
)

func TestMetricsRecordingIsNilSafe(t *testing.T) {
	var metrics *Metrics

	metrics.RecordAgentCall("fleet-router", "decision", 100*time.Millisecond)
	metrics.RecordAgentError("fleet-router", "decision", "timeout")
	metrics.RecordToolCall("capture_image", 50*time.Millisecond)
	metrics.RecordLLMCall("gpt-4o", "openai", 500*time.Millisecond)

	t.Log("nil *Metrics recorded without panicking")
}

func TestMetricsRecording(t *testing.T) {
	cfg := &MetricsConfig{Enabled: true, Namespace: "devicebroker_test", Subsystem: "observability"}
	metrics, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordAgentCall("fleet-router", "decision", 100*time.Millisecond)
	metrics.RecordToolCall("capture_image", 50*time.Millisecond)
	metrics.RecordLLMCall("gpt-4o", "openai", 500*time.Millisecond)
	metrics.RecordWorkerJob("device-tool-invoke", 10*time.Millisecond, nil)
	metrics.RecordWorkerJob("device-tool-invoke", 10*time.Millisecond, context.DeadlineExceeded)
	metrics.SetWorkerQueueDepth(3)
	metrics.RecordWorkerOverloaded("device-tool-invoke")

	if metrics.Registry() == nil {
		t.Fatal("expected a non-nil prometheus registry")
	}
}

func TestNoopMetricsSatisfiesRecorder(t *testing.T) {
	var recorder Recorder = NoopMetrics{}

	recorder.RecordAgentCall("fleet-router", "decision", 100*time.Millisecond)
	recorder.RecordLLMCall("gpt-4o", "openai", 500*time.Millisecond)
	recorder.RecordToolCall("capture_image", 50*time.Millisecond)

	resp := NoopMetrics{}.Handler()
	if resp == nil {
		t.Fatal("expected NoopMetrics.Handler to return a handler")
	}
}

func TestGlobalRecorderDefaultsToNoop(t *testing.T) {
	t.Cleanup(func() { SetGlobalRecorder(nil) })

	SetGlobalRecorder(nil)
	if GetGlobalRecorder() == nil {
		t.Fatal("GetGlobalRecorder must never return nil")
	}

	metrics, err := NewMetrics(&MetricsConfig{Enabled: true, Namespace: "devicebroker_test", Subsystem: "global"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	SetGlobalRecorder(metrics)

	got := GetGlobalRecorder()
	if got != Recorder(metrics) {
		t.Fatal("expected GetGlobalRecorder to return the installed recorder")
	}
	got.RecordLLMCall("gpt-4o", "openai", 100*time.Millisecond)
}

func TestNoopTracerStart(t *testing.T) {
	var tracer NoopTracer

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test_span")
	defer span.End()

	if err := tracer.Shutdown(ctx); err != nil {
		t.Fatalf("NoopTracer.Shutdown: %v", err)
	}
	if tracer.DebugExporter() != nil {
		t.Fatal("expected NoopTracer.DebugExporter to be nil")
	}
}

func TestTracerDisabledIsNoop(t *testing.T) {
	tr, err := NewTracer(context.Background(), &TracingConfig{Enabled: false, ServiceName: "devicebroker-test"})
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	ctx := context.Background()
	_, span := tr.Start(ctx, "test_span")
	defer span.End()

	if tr.DebugExporter() != nil {
		t.Fatal("expected no debug exporter without WithDebugExporter")
	}
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestTracerWithDebugExporter(t *testing.T) {
	debug := NewDebugExporter()
	tr, err := NewTracer(context.Background(), &TracingConfig{Enabled: false, ServiceName: "devicebroker-test"}, WithDebugExporter(debug))
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	if tr.DebugExporter() != debug {
		t.Fatal("expected DebugExporter to return the attached exporter")
	}
}

func BenchmarkMetricsRecording(b *testing.B) {
	metrics, err := NewMetrics(&MetricsConfig{Enabled: true, Namespace: "devicebroker_bench", Subsystem: "observability"})
	if err != nil {
		b.Fatalf("NewMetrics: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordAgentCall("fleet-router", "decision", 100*time.Millisecond)
	}
}
