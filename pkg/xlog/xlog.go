package xlog

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

////////////////////////////////////////////////////////////////////////////////

type Logger interface {
	With(fields ...zap.Field) Logger
	WithName(name string) Logger
	WithCallerSkip(level int) Logger

	Zap() *zap.Logger

	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
	Fatal(ctx context.Context, msg string, fields ...zap.Field)
}

////////////////////////////////////////////////////////////////////////////////

type logger struct {
	log *zap.Logger
}

var _ Logger = (*logger)(nil)

func New(log *zap.Logger) Logger {
	return &logger{log}
}

func NewNop() Logger {
	return &logger{zap.NewNop()}
}

func TryNew(log *zap.Logger, err error) (Logger, error) {
	if err != nil {
		return nil, err
	}
	return New(log), nil
}

func (l *logger) Zap() *zap.Logger {
	return l.log
}

////////////////////////////////////////////////////////////////////////////////

func (l *logger) With(fields ...zap.Field) Logger {
	return &logger{l.log.With(fields...)}
}

func (l *logger) WithName(name string) Logger {
	return &logger{l.log.Named(name)}
}

func (l *logger) WithCallerSkip(level int) Logger {
	return &logger{l.log.WithOptions(zap.AddCallerSkip(level))}
}

////////////////////////////////////////////////////////////////////////////////

func (l *logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log.Debug(msg, contextFields(ctx, fields)...)
}

func (l *logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log.Info(msg, contextFields(ctx, fields)...)
}

func (l *logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log.Warn(msg, contextFields(ctx, fields)...)
}

func (l *logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log.Error(msg, contextFields(ctx, fields)...)
}

func (l *logger) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	l.log.Fatal(msg, contextFields(ctx, fields)...)
}

////////////////////////////////////////////////////////////////////////////////

type ctxFieldsKey struct{}

// WrapContext returns a context carrying fields that are appended to every
// record logged with it.
func WrapContext(ctx context.Context, fields ...zap.Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	prev := ContextFields(ctx)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, ctxFieldsKey{}, merged)
}

func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(ctxFieldsKey{}).([]zap.Field)
	return fields
}

func contextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	fields = append(fields, ContextFields(ctx)...)

	span := trace.SpanContextFromContext(ctx)
	if span.HasTraceID() {
		fields = append(fields, zap.String("trace.id", span.TraceID().String()))
	}
	if span.HasSpanID() {
		fields = append(fields, zap.String("span.id", span.SpanID().String()))
	}
	return fields
}
