package core

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns the logger shared by the relay, transport, and codec.
func NewLogger(cfg *Config) (*zap.SugaredLogger, error) {
	logLvl, err := zapcore.ParseLevel(cfg.Logging.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = zap.NewAtomicLevelAt(logLvl)
	logConfig.DisableCaller = !cfg.Logging.IncludeCaller

	logConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")

	if cfg.Logging.LogFilePath != "" {
		// A relay running under a supervisor logs to a file; no color
		// escapes there.
		logConfig.OutputPaths = []string{cfg.Logging.LogFilePath}
		logConfig.ErrorOutputPaths = []string{cfg.Logging.LogFilePath}
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	return logger.Sugar(), nil
}
