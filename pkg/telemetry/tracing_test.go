package telemetry

import (
	"context"
	"testing"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, "ledger-gateway", "test", "", false, 0, false)
	if err != nil {
		t.Fatalf("setup tracing failed: %v", err)
	}
	if provider == nil {
		t.Fatal("expected provider")
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestSetupTracingStripsScheme(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, "ledger-gateway", "test", "http://collector:4318", false, 0.5, false)
	if err != nil {
		t.Fatalf("setup tracing failed: %v", err)
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
