// Package logging provides the process-wide structured logger used by the
// fleetnet transport and its tools.
package logging

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level ("debug", "info", "warn", "error") and the
// output format ("console" or "json").
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Init builds the global logger. Until Init is called all log calls are dropped.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = level > zapcore.DebugLevel

	l, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	logger.Store(l)
	return nil
}

// L returns the current logger.
func L() *zap.Logger {
	return logger.Load()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}
