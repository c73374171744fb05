package tracing

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yandex/tracemux/pkg/xlog"
)

// Initialize installs the global tracer provider exporting through exporter.
// shutdown flushes pending spans and must be called before exit.
func Initialize(
	ctx context.Context,
	l xlog.Logger,
	exporter sdktrace.SpanExporter,
	serviceName string,
	serviceVersion string,
) (
	shutdown func(context.Context) error,
	tracer trace.TracerProvider,
	err error,
) {
	shutdownFuncs := []func(context.Context) error{
		exporter.Shutdown,
	}

	// Each registered cleanup is invoked once, errors are joined.
	shutdown = func(ctx context.Context) error {
		var err error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			err = errors.Join(err, shutdownFuncs[i](ctx))
		}
		shutdownFuncs = nil
		return err
	}

	setOpenTelemetryLogger(l)

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		))
	if err != nil {
		return nil, nil, errors.Join(err, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Synchronous export: a replay is short lived and spans must not be lost.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
	)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	otel.SetTracerProvider(tp)
	return shutdown, tp, nil
}

func setOpenTelemetryLogger(l xlog.Logger) {
	logger := logr.New(&logrZapSink{l: l.WithName("otel").WithCallerSkip(1)})
	otel.SetLogger(logger)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Error(err, "opentelemetry error")
	}))
}
