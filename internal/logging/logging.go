// Package logging builds the zap logger used throughout cmdfs.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// New builds a logger from cfg. An unknown level is an error; an empty
// one means info. The console format uses zap's development encoder.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	var config zap.Config
	switch cfg.Format {
	case "console":
		config = zap.NewDevelopmentConfig()
	case "", "json":
		config = zap.NewProductionConfig()
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	atom := zap.NewAtomicLevelAt(level)
	config.Level = atom
	config.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, atom, nil
}
