package tracing

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/zap"

	"github.com/yandex/tracemux/pkg/xlog"
)

type logrZapSink struct {
	l     xlog.Logger
	level int
}

var _ logr.LogSink = (*logrZapSink)(nil)

func fieldify(kv ...any) []zap.Field {
	fields := make([]zap.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 == len(kv) {
			fields = append(fields, zap.Any(key, nil))
			break
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

// Enabled implements logr.LogSink
func (l *logrZapSink) Enabled(level int) bool {
	return level <= l.level
}

// Error implements logr.LogSink
func (l *logrZapSink) Error(err error, msg string, kv ...any) {
	l.l.Error(context.TODO(), msg, append(fieldify(kv...), zap.Error(err))...)
}

// Info implements logr.LogSink
func (l *logrZapSink) Info(level int, msg string, kv ...any) {
	if level > l.level {
		return
	}
	l.l.Info(context.TODO(), msg, fieldify(kv...)...)
}

// Init implements logr.LogSink
func (l *logrZapSink) Init(info logr.RuntimeInfo) {
	l.l = l.l.WithCallerSkip(info.CallDepth)
}

// WithName implements logr.LogSink
func (l *logrZapSink) WithName(name string) logr.LogSink {
	return &logrZapSink{l.l.WithName(name), l.level}
}

// WithValues implements logr.LogSink
func (l *logrZapSink) WithValues(kv ...any) logr.LogSink {
	return &logrZapSink{l.l.With(fieldify(kv...)...), l.level}
}
