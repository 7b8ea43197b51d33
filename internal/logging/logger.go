package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger wraps structured logging with OpenTelemetry span correlation.
type Logger struct {
	slogger *slog.Logger
	tracer  trace.Tracer
}

// LogLevel enumerates logging severity levels in increasing order of
// severity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

// NewLogger creates a structured JSON logger and binds it to an
// OpenTelemetry tracer named after service.
func NewLogger(service string) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})

	return &Logger{
		slogger: slog.New(handler),
		tracer:  otel.Tracer(service),
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelDebug, msg, attrs...)
}

func (l *Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelInfo, msg, attrs...)
}

func (l *Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at error level and, if a recording span is present in ctx,
// marks it failed.
func (l *Logger) Error(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}
	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
}

// Fatal logs at error level and terminates the process. Used only by
// cmd/proxy, for a bind failure and for the accept loop ending with an
// error — never called from a per-connection worker, since one client
// must not be able to take down the process.
func (l *Logger) Fatal(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
	os.Exit(1)
}

func (l *Logger) logWithTrace(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	l.slogger.LogAttrs(ctx, level, msg, attrs...)
}

// StartSpan starts a span for a unit of work — in this codebase, one
// client connection rather than one HTTP request.
func (l *Logger) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// WithFields returns a logger that prepends attrs to every subsequent
// log entry, without mutating the receiver.
func (l *Logger) WithFields(attrs ...slog.Attr) *Logger {
	anyAttrs := make([]any, len(attrs))
	for i, a := range attrs {
		anyAttrs[i] = a
	}
	return &Logger{
		slogger: l.slogger.With(anyAttrs...),
		tracer:  l.tracer,
	}
}

// ConnectionAccepted logs a newly accepted client connection.
func (l *Logger) ConnectionAccepted(ctx context.Context, remoteAddr string) {
	l.Info(ctx, "connection accepted", slog.String("remote_addr", remoteAddr))
}

// ConnectionAdmitted logs that a connection cleared the admission gate
// and a worker has started on it.
func (l *Logger) ConnectionAdmitted(ctx context.Context, remoteAddr string, waited time.Duration) {
	l.Info(ctx, "connection admitted",
		slog.String("remote_addr", remoteAddr),
		slog.Duration("admission_wait", waited),
	)
}

// CacheHit logs that a request was served from cache without contacting
// an origin.
func (l *Logger) CacheHit(ctx context.Context, remoteAddr string, responseBytes int) {
	l.Info(ctx, "cache hit",
		slog.String("remote_addr", remoteAddr),
		slog.Int("response_bytes", responseBytes),
	)
}

// CacheMiss logs that a request required a relay to an origin.
func (l *Logger) CacheMiss(ctx context.Context, remoteAddr, host string) {
	l.Info(ctx, "cache miss",
		slog.String("remote_addr", remoteAddr),
		slog.String("host", host),
	)
}

// Relayed logs the outcome of a relay attempt.
func (l *Logger) Relayed(ctx context.Context, remoteAddr, host string, responseBytes int, complete bool, d time.Duration) {
	l.Info(ctx, "relay completed",
		slog.String("remote_addr", remoteAddr),
		slog.String("host", host),
		slog.Int("response_bytes", responseBytes),
		slog.Bool("complete", complete),
		slog.Duration("duration", d),
	)
}

// ConnectionClosed logs the end of a per-client worker's life.
func (l *Logger) ConnectionClosed(ctx context.Context, remoteAddr string, status int, d time.Duration) {
	l.Info(ctx, "connection closed",
		slog.String("remote_addr", remoteAddr),
		slog.Int("status", status),
		slog.Duration("duration", d),
	)
}
