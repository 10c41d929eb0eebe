// Package logging builds the zap loggers used across dispatch.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing to stderr. level is a zap level name
// ("debug", "info", ...); format is "console" or "json".
func New(level, format string) (*zap.Logger, error) {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(level, format string, w io.Writer) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(format), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// ParseLevel parses a level name. An empty name means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderCfg)
}
