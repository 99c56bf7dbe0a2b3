// Package logging builds the zap loggers used by the binaries.
package logging

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel = "RPC_LOG_LEVEL"
	EnvLogDev   = "RPC_LOG_DEV"
)

type Config struct {
	Level string // debug, info, warn, error; default info
	Dev   bool   // console encoder with colours instead of JSON
}

// New builds a logger from cfg after applying the environment overrides.
func New(cfg Config) (*zap.Logger, error) {
	applyEnvOverrides(&cfg)
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ParseLevel accepts the usual level names. Empty means info.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
}

func applyEnvOverrides(cfg *Config) {
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Level = lvl
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogDev))); err == nil {
		cfg.Dev = v
	}
}
