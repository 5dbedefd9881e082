package corelog

import (
	"context"
	"log/slog"
	"os"
)

// slogLogger adapts the standard library's structured logger to Logger.
// It is the default non-noop implementation; the teacher's own SimpleLogger
// hand-rolls the same thing over fmt, which slog now does for us.
type slogLogger struct {
	base      *slog.Logger
	component string
}

// NewSlogLogger returns a Logger backed by log/slog, writing JSON lines to
// w (stdout if w is nil).
func NewSlogLogger(w *os.File) ComponentAwareLogger {
	if w == nil {
		w = os.Stdout
	}
	return &slogLogger{base: slog.New(slog.NewJSONHandler(w, nil))}
}

func (l *slogLogger) attrs(fields map[string]interface{}) []any {
	attrs := make([]any, 0, len(fields)*2+2)
	if l.component != "" {
		attrs = append(attrs, "component", l.component)
	}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return attrs
}

func (l *slogLogger) Info(msg string, fields map[string]interface{})  { l.base.Info(msg, l.attrs(fields)...) }
func (l *slogLogger) Warn(msg string, fields map[string]interface{})  { l.base.Warn(msg, l.attrs(fields)...) }
func (l *slogLogger) Error(msg string, fields map[string]interface{}) { l.base.Error(msg, l.attrs(fields)...) }
func (l *slogLogger) Debug(msg string, fields map[string]interface{}) { l.base.Debug(msg, l.attrs(fields)...) }

func (l *slogLogger) withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if id := TraceIDFromContext(ctx); id != "" {
		out := make(map[string]interface{}, len(fields)+1)
		for k, v := range fields {
			out[k] = v
		}
		out["trace_id"] = id
		return out
	}
	return fields
}

func (l *slogLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, l.withTrace(ctx, fields))
}
func (l *slogLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, l.withTrace(ctx, fields))
}
func (l *slogLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, l.withTrace(ctx, fields))
}
func (l *slogLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, l.withTrace(ctx, fields))
}

func (l *slogLogger) WithComponent(name string) Logger {
	return &slogLogger{base: l.base, component: name}
}

var _ ComponentAwareLogger = (*slogLogger)(nil)

type traceIDKey struct{}

// WithTraceID attaches a trace id to ctx for the *WithContext logging methods
// to pick up automatically.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFromContext returns the trace id attached by WithTraceID, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
