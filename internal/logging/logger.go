package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wipecert_enterprise/internal/config"
)

// New builds the audit logger. Output goes to stdout and, when configured,
// to the log file. If the log file cannot be prepared the logger still
// works on stdout alone.
func New(cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	level := ParseLevel(cfg.Level)
	if verbose {
		level = zapcore.DebugLevel
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewProductionEncoderConfig(),
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] cannot create log directory %s: %v, logging to stdout only\n", logDir, err)
		} else {
			zc.OutputPaths = append(zc.OutputPaths, cfg.File)
		}
	}

	logger, err := zc.Build()
	if err != nil && len(zc.OutputPaths) > 1 {
		fmt.Fprintf(os.Stderr, "[WARN] cannot open log file %s: %v, logging to stdout only\n", cfg.File, err)
		zc.OutputPaths = []string{"stdout"}
		logger, err = zc.Build()
	}
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("component", "wipecert")), nil
}

// ParseLevel maps the config level names onto zap levels.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
