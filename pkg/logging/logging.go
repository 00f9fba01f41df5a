// Package logging builds the zap logger used across the client.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aeolun/worldlink/pkg/config"
)

// Options selects level, encoding and outputs.
type Options struct {
	Level   string
	Console bool // Human-readable encoder instead of JSON
	File    *lumberjack.Logger

	// Stderr is where console output goes; nil means os.Stderr.
	Stderr io.Writer
}

// FromConfig converts the [logging] section. A relative or "~/" file path
// is expanded; an empty path disables file output.
func FromConfig(c config.LoggingSection) (Options, error) {
	opts := Options{Level: c.Level, Console: c.Console}
	if c.File == "" {
		return opts, nil
	}
	path, err := config.ExpandPath(c.File)
	if err != nil {
		return Options{}, err
	}
	opts.File = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
	return opts, nil
}

// New builds a logger writing to stderr and, when configured, to a rotating
// file. The file always gets JSON so it stays machine-readable.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if opts.Level == "" {
		level, err = zapcore.InfoLevel, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var stderrEnc zapcore.Encoder
	if opts.Console {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		stderrEnc = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		stderrEnc = zapcore.NewJSONEncoder(encCfg)
	}

	out := opts.Stderr
	if out == nil {
		out = os.Stderr
	}
	cores := []zapcore.Core{
		zapcore.NewCore(stderrEnc, zapcore.Lock(zapcore.AddSync(out)), level),
	}
	if opts.File != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(opts.File), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
