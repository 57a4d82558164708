package logging

import (
	"context"
	"testing"
	"time"

	"fxcore/pkg/telemetry"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("test-logger")
	if err != nil {
		t.Fatalf("OTel setup failed: %v", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := NewZapLogger("DEBUG")
	if err != nil {
		t.Fatalf("Zap logger creation failed: %v", err)
	}

	logger.Info("Test OTel bridging", "key", "value")

	// Wait a bit for OTel batching (if any)
	time.Sleep(500 * time.Millisecond)

	logger.Debug("Debug message", "status", "testing")

	_ = logger.Sync() // Some writers don't support sync (like stdout in some envs), ignore error
}

func TestZapLogger_RejectsUnknownLevel(t *testing.T) {
	if _, err := NewZapLogger("LOUD"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestWithFieldReturnsIndependentLogger(t *testing.T) {
	base, err := NewZapLogger("INFO")
	if err != nil {
		t.Fatalf("logger creation failed: %v", err)
	}
	child := base.WithField("component", "quotes")
	if child == base {
		t.Fatal("WithField must return a derived logger")
	}
	child.Info("derived logger works")
}
