package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"DEBUG":   zapcore.DebugLevel,
		" warn ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for input, expected := range cases {
		level, err := ParseLevel(input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", input, err)
		}
		if level != expected {
			t.Fatalf("level for %q: got %s, want %s", input, level, expected)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
