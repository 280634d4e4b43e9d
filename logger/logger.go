// Package logger builds the zap loggers used by the binaries.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger at level, encoded as JSON or, with format "text", as human-readable
// console output. An empty level falls back to LOG_LEVEL, then to info.
func New(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	var config zap.Config
	if format == "text" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// load reports go to stdout; keep logs off it
	config.OutputPaths = []string{"stderr"}

	return config.Build()
}

// ParseLevel maps a level name to its zap level. Unknown names are info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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
