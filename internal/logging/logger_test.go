package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if level := ParseLevel(input); level != expected {
			t.Fatalf("ParseLevel(%q) = %s, want %s", input, level, expected)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn must be enabled")
	}
}

func TestNewRotatingLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "notesync.log")
	logger, err := NewRotatingLogger("info", FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	logger.Info("rotating logger ready")
	logger.Debug("suppressed entry")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(contents), "rotating logger ready") {
		t.Fatalf("expected entry in log file, got %q", contents)
	}
	if strings.Contains(string(contents), "suppressed entry") {
		t.Fatalf("debug entry must be filtered at info level")
	}
}
