// Package log configures logrus the way git-cdn wants it: structured
// fields, UTC timestamps, level and format from the environment.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// LogTimestampFormatUTC defines the utc timestamp format in log files
	LogTimestampFormatUTC = "2006-01-02T15:04:05.000Z"
)

type utcFormatter struct {
	logrus.Formatter
}

func (u utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

// UTCJSONFormatter returns a Formatter that formats a logrus Entry's as json
// and converts the time field into UTC
func UTCJSONFormatter() logrus.Formatter {
	return &utcFormatter{Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormatUTC}}
}

// UTCTextFormatter returns a Formatter that formats a logrus Entry's as text
// and converts the time field into UTC
func UTCTextFormatter() logrus.Formatter {
	return &utcFormatter{Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormatUTC}}
}

// Configure builds the process logger. Unknown levels fall back to "info",
// unknown formats to "text".
func Configure(out io.Writer, format, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	switch format {
	case "json":
		logger.SetFormatter(UTCJSONFormatter())
	default:
		logger.SetFormatter(UTCTextFormatter())
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}
	logger.SetLevel(logrusLevel)

	return logger
}

// Default returns a logger writing to stderr with default settings. It is
// meant for code paths that have no configured logger yet, for example
// early startup errors and tests.
func Default() *logrus.Entry {
	return logrus.NewEntry(Configure(os.Stderr, "text", "info"))
}

// DiscardLogger returns a logger that throws everything away. Used in tests
// that do not assert on log output.
func DiscardLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
