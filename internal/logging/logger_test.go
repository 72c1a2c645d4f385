package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range cases {
		if got := ParseLevel(input); got != expected {
			t.Fatalf("level %q: expected %v, got %v", input, expected, got)
		}
	}
}

func TestNewLoggerBuildsBothFormats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatConsole} {
		logger, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("format %s: unexpected error %v", format, err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("format %s: expected debug level to be enabled", format)
		}
	}
}

func TestForConnectionToleratesNilLogger(t *testing.T) {
	if ForConnection(nil, "queue", 3) == nil {
		t.Fatalf("expected a usable logger")
	}
}
