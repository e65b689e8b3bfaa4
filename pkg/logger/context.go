package logger

import "context"

type ctxKey struct{}

// LoggerCtxKey is the context key under which a Logger travels.
var LoggerCtxKey = ctxKey{}

// ContextWithLogger returns a child context carrying the given logger.
func ContextWithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, LoggerCtxKey, log)
}

// FromContext returns the logger carried by ctx, or the process fallback
// when the context carries none.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if log, ok := ctx.Value(LoggerCtxKey).(Logger); ok && log != nil {
			return log
		}
	}
	return Default()
}
