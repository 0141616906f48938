package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.StoreOpDuration == nil {
		t.Error("StoreOpDuration is nil")
	}
	if m.StoreErrors == nil {
		t.Error("StoreErrors is nil")
	}
	if m.StoreHealthy == nil {
		t.Error("StoreHealthy is nil")
	}
	if m.LLMCallDuration == nil {
		t.Error("LLMCallDuration is nil")
	}
	if m.ToolCalls == nil {
		t.Error("ToolCalls is nil")
	}
	if m.PushDeliveries == nil {
		t.Error("PushDeliveries is nil")
	}
	if m.PushFailures == nil {
		t.Error("PushFailures is nil")
	}
	if m.AuthRejects == nil {
		t.Error("AuthRejects is nil")
	}
	if m.RateLimitReject == nil {
		t.Error("RateLimitReject is nil")
	}
}
