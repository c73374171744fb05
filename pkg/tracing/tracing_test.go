package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yandex/tracemux/pkg/xlog"
)

func TestNewExporter(t *testing.T) {
	exporter, err := NewExporter(nil)
	require.NoError(t, err)
	require.IsType(t, &nopExporter{}, exporter)

	exporter, err = NewExporter(&Config{Exporters: []ExporterConfig{{Nop: &struct{}{}}}})
	require.NoError(t, err)
	require.IsType(t, &nopExporter{}, exporter)

	exporter, err = NewExporter(&Config{Exporters: []ExporterConfig{{Nop: &struct{}{}}, {Stderr: &struct{}{}}}})
	require.NoError(t, err)
	require.IsType(t, &multiExporter{}, exporter)
	require.NoError(t, exporter.Shutdown(context.Background()))

	_, err = NewExporter(&Config{Exporters: []ExporterConfig{{}}})
	require.Error(t, err)
}

func TestInitialize(t *testing.T) {
	var buf bytes.Buffer
	exporter, err := NewWriterExporter(&buf)
	require.NoError(t, err)

	ctx := context.Background()
	shutdown, provider, err := Initialize(ctx, xlog.NewNop(), exporter, "tracemux", "test")
	require.NoError(t, err)
	require.NotNil(t, provider)

	_, span := otel.Tracer("test").Start(ctx, "ReplayCapture")
	span.End()

	require.NoError(t, shutdown(ctx))
	require.Contains(t, buf.String(), "ReplayCapture")
	require.Contains(t, buf.String(), "tracemux")
}

func TestLogrSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := logr.New(&logrZapSink{l: xlog.New(zap.New(core))})

	logger.WithName("exporter").WithValues("endpoint", "stderr").Info("started", "spans", 3)
	logger.V(1).Info("hidden")
	logger.Error(errors.New("boom"), "export failed", "dangling")

	entries := logs.All()
	require.Len(t, entries, 2)

	require.Equal(t, "started", entries[0].Message)
	require.Equal(t, "exporter", entries[0].LoggerName)
	require.Equal(t, "stderr", entries[0].ContextMap()["endpoint"])
	require.Equal(t, int64(3), entries[0].ContextMap()["spans"])

	require.Equal(t, zap.ErrorLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
	require.Contains(t, entries[1].ContextMap(), "dangling")
}
