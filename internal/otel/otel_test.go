package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("no-op provider missing tracer or meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	// Instrument calls must not panic.
	ctx := context.Background()
	m.RecordStart(ctx)
	m.RecordDone(ctx, 0.25, true)
	m.RecordRetry(ctx)
	m.RecordTokens(ctx, 42)
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	// Must not panic.
	m.RecordStart(ctx)
	m.RecordDone(ctx, 1, false)
	m.RecordRetry(ctx)
	m.RecordLoopPrevented(ctx)
	m.RecordLimiterReject(ctx)
	m.RecordTokens(ctx, 5)
}
