package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != noopLogger {
		t.Fatalf("expected noop logger")
	}
}

func TestWithDeliverySessionEnrichesLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = WithDeliverySession(ctx, "dls_01abc")

	if got := DeliverySession(ctx); got != "dls_01abc" {
		t.Fatalf("expected session id, got %q", got)
	}
	Logger(ctx).Info("delivery.update")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["deliverySessionId"]; got != "dls_01abc" {
		t.Fatalf("expected deliverySessionId field, got %v", got)
	}
}

func TestTraceRoundTrip(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "1", Sampled: true})
	if TraceID(ctx) != "abc" {
		t.Fatalf("expected trace id abc")
	}
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
}
