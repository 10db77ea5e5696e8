package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestContextRoundtrip(t *testing.T) {
	l := zap.NewExample()
	ctx := ContextWithLogger(context.Background(), l)

	if got := FromContext(ctx); got != l {
		t.Fatal("FromContext did not return the stored logger")
	}
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	got := FromContext(context.Background())
	if got == nil {
		t.Fatal("expected a usable fallback logger, got nil")
	}
	// Must be safe to log with.
	got.Info("ignored")
}
