package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     string
		service   string
		enabled   zapcore.Level
		disabled  zapcore.Level
		wantError bool
	}{
		{name: "debug", level: "debug", service: "delivery-api", enabled: zapcore.DebugLevel, disabled: zapcore.DebugLevel - 1},
		{name: "padded upper case", level: "  WARN ", service: "delivery-api", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{name: "empty defaults to info", level: "", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{name: "blank service", level: "error", service: "   ", enabled: zapcore.ErrorLevel, disabled: zapcore.WarnLevel},
		{name: "unknown level", level: "verbose", wantError: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.level, tt.service)
			if tt.wantError {
				if err == nil || logger != nil {
					t.Fatalf("NewLogger(%q) = %v, %v, want nil logger and error", tt.level, logger, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", tt.level, err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Fatalf("level %s disabled, want enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.disabled) {
				t.Fatalf("level %s enabled, want disabled", tt.disabled)
			}
		})
	}
}

func TestCorrelationIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ctx    context.Context
		want   string
		wantOK bool
	}{
		{name: "stored", ctx: WithCorrelationID(context.Background(), "req-42"), want: "req-42", wantOK: true},
		{name: "nil parent", ctx: WithCorrelationID(nil, "req-43"), want: "req-43", wantOK: true}, //nolint:staticcheck
		{name: "empty value", ctx: WithCorrelationID(context.Background(), "")},
		{name: "missing", ctx: context.Background()},
		{name: "nil context", ctx: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := CorrelationIDFromContext(tt.ctx)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("CorrelationIDFromContext() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	WithContextLogger(base, WithCorrelationID(context.Background(), "req-7")).Info("message accepted")
	WithContextLogger(base, context.Background()).Info("provider health refreshed")

	entries := recorded.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if got := entries[0].ContextMap()["correlationId"]; got != "req-7" {
		t.Fatalf("correlationId = %v, want req-7", got)
	}
	if _, ok := entries[1].ContextMap()["correlationId"]; ok {
		t.Fatal("correlationId present on entry without correlation")
	}

	if got := WithContextLogger(nil, context.Background()); got != nil {
		t.Fatal("WithContextLogger(nil) should return nil")
	}
}
