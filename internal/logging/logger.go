package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions enables size-based log file rotation alongside stderr output.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// NewRotatingLogger logs JSON to stderr and to a lumberjack-rotated file. An empty path
// behaves like NewLogger.
func NewRotatingLogger(level string, file FileOptions) (*zap.Logger, error) {
	if strings.TrimSpace(file.Path) == "" {
		return NewLogger(level)
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enabler := zap.NewAtomicLevelAt(ParseLevel(level))
	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		Compress:   true,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), enabler),
		zapcore.NewCore(encoder, zapcore.AddSync(rotator), enabler),
	)
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel maps a level name onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
