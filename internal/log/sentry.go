package log

import (
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// sentryHook forwards error-level log entries to Sentry. Field values are
// attached as extra context so that an operator can see the repository path
// and handler that produced the failure.
type sentryHook struct{}

// ConfigureSentry installs Sentry error reporting on the given logger. A
// missing DSN disables reporting.
func ConfigureSentry(logger *logrus.Logger, dsn, version string) error {
	if dsn == "" {
		return nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: version,
	}); err != nil {
		return err
	}

	logger.AddHook(sentryHook{})
	return nil
}

func (sentryHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (sentryHook) Fire(entry *logrus.Entry) error {
	event := sentry.NewEvent()
	event.Level = sentry.LevelError
	event.Message = entry.Message
	for key, value := range entry.Data {
		event.Extra[key] = value
	}
	sentry.CaptureEvent(event)
	return nil
}

// FlushSentry waits for buffered Sentry events to be sent. Called on
// shutdown.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}
