package loggingutil

import (
	"context"

	"pkt.systems/pslog"
)

// NoopLogger returns a logger that discards every entry.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l when non-nil, otherwise a discarding logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// FromContext prefers the request-scoped logger carried by ctx and falls back
// to the supplied component logger.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return EnsureLogger(fallback)
}
