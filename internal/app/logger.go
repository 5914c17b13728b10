package app

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mselletoe/brgypuj-kiosk/internal/config"
)

// NewLogger creates a *logrus.Logger based on the provided LogConfig.
//
// Format "json" produces structured JSON output (production).
// Format "text" produces human-readable output with full timestamps.
// Level is one of: debug, info, warn, error (case-insensitive); defaults to info.
func NewLogger(cfg config.LogConfig) *logrus.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(parseLevel(cfg.Level))

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
