package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is a zap level name, info when empty.
	Level string
	// File, when set, receives a JSON copy of every entry.
	File string
	// Sentry is a DSN; errors and above are reported there when set.
	Sentry string
}

// New builds a production logger on stdout with ISO8601 timestamps.
func New(options Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if options.Level != "" {
		if err := level.UnmarshalText([]byte(options.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", options.Level, err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), level),
	}
	if options.File != "" {
		if err := os.MkdirAll(filepath.Dir(options.File), 0755); err != nil {
			return nil, err
		}
		logFile, err := os.OpenFile(options.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logFile), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	if options.Sentry != "" {
		return AttachSentry(logger, options.Sentry)
	}
	return logger, nil
}

// AttachSentry reports entries at error level and above to sentry.
func AttachSentry(logger *zap.Logger, dsn string) (*zap.Logger, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{Dsn: dsn})
	if err != nil {
		return nil, err
	}
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		return nil, err
	}
	return zapsentry.AttachCoreToLogger(core, logger), nil
}
