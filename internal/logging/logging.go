package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.elastic.co/ecszap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. format is "json" (ECS fields, the default)
// or "console".
func New(level, format string) (*zap.Logger, error) {
	return NewWithWriter(level, format, os.Stdout)
}

func NewWithWriter(level, format string, w io.Writer) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	sink := zapcore.AddSync(w)
	var core zapcore.Core
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		core = ecszap.NewCore(ecszap.NewDefaultEncoderConfig(), sink, lvl)
	case "console", "text":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), sink, lvl)
	default:
		return nil, fmt.Errorf("unsupported log format %q: must be json or console", format)
	}
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel accepts debug, info, warn and error in any case. An empty level
// is info.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug", "development":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level %q", raw)
	}
}
