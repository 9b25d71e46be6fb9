// Package logger provides zap logger implimentation logic.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// atomicLevel is logger log level invariant
var atomicLevel zap.AtomicLevel

// Build is a build function that's responsible for setting up base logger
func Build(config *config.Logger) (*zap.Logger, error) {
	// Parse AtomicLevel from string
	t, err := zap.ParseAtomicLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse initial atomic level at logger build: %w", err)
	}
	atomicLevel = t

	// create encoder
	encoder := zapcore.NewJSONEncoder(config.EncoderConfig)
	if config.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}

	// Level filters
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})

	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	// The monitor dashboard owns stdout, so every log line goes to stderr there.
	infoSink := zapcore.Lock(os.Stdout)
	if config.ToStderr {
		infoSink = zapcore.Lock(os.Stderr)
	}
	infoCore := zapcore.NewCore(encoder, infoSink, lowPriority)
	errorCore := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), highPriority)

	opts := []zap.Option{zap.AddCaller()}
	if !config.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	// Build logger
	logger := zap.New(zapcore.NewTee(infoCore, errorCore), opts...)
	zap.ReplaceGlobals(logger)

	viper.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&(fsnotify.Create) == 0 {
			SetLevel(viper.GetString("logger.level"))
		}
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}
	return logger, nil
}

// SetLevel changes logger level dynamically
func SetLevel(level string) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		zap.L().Error("Couldn't parse level", zap.Error(err))
	} else {
		zap.L().Info("Atomic level updated", zap.String("value", level))
		atomicLevel.SetLevel(l)
	}
}
