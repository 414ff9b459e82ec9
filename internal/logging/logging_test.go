package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()
	log, err := New("warn", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) || !log.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("level not applied")
	}
	if _, err := New("debug", true); err != nil {
		t.Fatalf("New dev: %v", err)
	}
	if _, err := New("loud", false); err == nil {
		t.Fatalf("want error for unknown level")
	}
}
