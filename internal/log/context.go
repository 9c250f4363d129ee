package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKey struct{}

// InjectIntoContext stores a request scoped logger in the context.
func InjectIntoContext(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the request scoped logger, falling back to the
// default logger for contexts without one.
func FromContext(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(contextKey{}).(*logrus.Entry); ok {
		return logger
	}
	return Default()
}
