// Package logging builds the engine's structured logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Micca1978/ztengine/internal/config"
)

// New creates a logger from logging configuration. An unwritable output
// path falls back to stdout. The returned closer releases the log file and
// is a no-op when logging to stdout.
func New(cfg *config.LoggingConfig) (*logrus.Logger, io.Closer) {
	logger := logrus.New()
	logger.SetLevel(ParseLevel(cfg.Level))

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.OutputPath != "" {
		file, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			out = file
			closer = file
		} else {
			logger.WithError(err).WithField("path", cfg.OutputPath).Warn("cannot open log file, using stdout")
		}
	}
	logger.SetOutput(out)

	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel maps a configured level name to a logrus level.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
