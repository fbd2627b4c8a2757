// Package logging builds the zap loggers used by the server and client.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level       string // debug, info, warn, error
	Development bool
	// File, when set, receives a copy of every entry.
	File string
	// Quiet drops the stdout sink. The terminal client sets it so logs
	// never draw over the UI.
	Quiet bool
}

func New(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	zc.OutputPaths = nil
	if !cfg.Quiet {
		zc.OutputPaths = append(zc.OutputPaths, "stdout")
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, err
		}
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}
	if len(zc.OutputPaths) == 0 {
		return zap.NewNop(), nil
	}
	zc.ErrorOutputPaths = zc.OutputPaths

	return zc.Build()
}
