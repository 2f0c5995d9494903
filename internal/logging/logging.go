// Package logging configures the process-wide structured logger.
package logging

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Setup installs the default logger. JSON output is used in production so log
// shippers can parse it; development keeps the human readable text format.
func Setup(level string, production bool) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if production {
		logger.SetFormatter(log.JSONFormatter)
	}

	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	logger.SetLevel(parsed)

	log.SetDefault(logger)
	return logger
}
