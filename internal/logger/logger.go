package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Setup configures the default logger from a level name and a format
// name (text, json or logfmt).
func Setup(level, format string) *log.Logger {
	return SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level, format string) *log.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}

	var formatter log.Formatter
	switch strings.ToLower(format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		formatter = log.TextFormatter
	}

	l := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	log.SetDefault(l)
	return l
}

// WithComponent returns a child of the default logger prefixed with the
// component name.
func WithComponent(component string) *log.Logger {
	return log.Default().WithPrefix(component)
}

// Discard returns a logger that drops everything. Used by tests and by
// types constructed without a logger.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
