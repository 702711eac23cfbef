// Package logger builds the zap logger shared by every novacore component.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const service = "novacore"

type Config struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug|info|warn|error, info when unset
	Format     string `mapstructure:"format" yaml:"format"` // json|console
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
}

// New returns a logger for cfg and a close func that flushes it and, when
// OutputFile names a file, closes that file. Call close once, on shutdown.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	out, closeOut, err := openOutput(cfg.OutputFile)
	if err != nil {
		return nil, nil, err
	}

	l := zap.New(zapcore.NewCore(newEncoder(cfg.Format), out, level),
		zap.AddCaller(),
		zap.Fields(zap.String("service", service)))

	closeFn := func() error {
		// stdout/stderr Sync fails on terminals, only files matter
		if closeOut == nil {
			_ = l.Sync()
			return nil
		}
		if err := l.Sync(); err != nil {
			_ = closeOut()
			return err
		}
		return closeOut()
	}
	return l, closeFn, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// openOutput resolves the destination. The returned closer is nil for the
// standard streams.
func openOutput(dest string) (zapcore.WriteSyncer, func() error, error) {
	switch strings.ToLower(dest) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil, nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil, nil
	}
	f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open %s: %w", dest, err)
	}
	return zapcore.Lock(f), f.Close, nil
}
