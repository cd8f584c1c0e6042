// Package config loads environment files and builds the logger for the command line entrypoint.
package config

import (
	"fmt"
	"os"

	"github.com/guseggert/taskgate/internal/files"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoadDotEnv loads the nearest .env file at or above dir into the process environment.
// Variables that are already set are left alone. It returns the loaded path, or "" if no file was found.
func LoadDotEnv(dir string) (string, error) {
	path, err := files.FindUp(".env", dir)
	if err != nil {
		return "", fmt.Errorf("looking for .env: %w", err)
	}
	if path == "" {
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("loading %s: %w", path, err)
	}
	return path, nil
}

// NewLogger builds the process logger: the development config when debug is set, production otherwise.
func NewLogger(level string, debug bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		if lvl > zapcore.DebugLevel {
			lvl = zapcore.DebugLevel
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// WorkDir returns dir, or the current working directory if dir is empty.
func WorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
