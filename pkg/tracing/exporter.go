package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

////////////////////////////////////////////////////////////////////////////////

type nopExporter struct{}

func (*nopExporter) ExportSpans(context.Context, []trace.ReadOnlySpan) error {
	return nil
}

func (*nopExporter) Shutdown(context.Context) error {
	return nil
}

func NewNopExporter() trace.SpanExporter {
	return &nopExporter{}
}

func NewWriterExporter(w io.Writer) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithWriter(w),
	)
}

func NewStderrExporter() (trace.SpanExporter, error) {
	return NewWriterExporter(os.Stderr)
}

////////////////////////////////////////////////////////////////////////////////

func NewMultiExporter(exporters ...trace.SpanExporter) trace.SpanExporter {
	return &multiExporter{exporters}
}

type multiExporter struct {
	exporters []trace.SpanExporter
}

// ExportSpans implements trace.SpanExporter.
func (e *multiExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	return e.do(func(exp trace.SpanExporter) error {
		return exp.ExportSpans(ctx, spans)
	})
}

// Shutdown implements trace.SpanExporter.
func (e *multiExporter) Shutdown(ctx context.Context) error {
	return e.do(func(exp trace.SpanExporter) error {
		return exp.Shutdown(ctx)
	})
}

func (e *multiExporter) do(callback func(trace.SpanExporter) error) error {
	var errs []error
	for _, exporter := range e.exporters {
		if err := callback(exporter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

////////////////////////////////////////////////////////////////////////////////

func NewExporter(config *Config) (trace.SpanExporter, error) {
	if config == nil {
		return NewNopExporter(), nil
	}

	exporters := make([]trace.SpanExporter, 0, len(config.Exporters))
	for i, exporterConfig := range config.Exporters {
		var exporter trace.SpanExporter
		var err error

		switch {
		case exporterConfig.Nop != nil:
			exporter = NewNopExporter()
		case exporterConfig.Stderr != nil:
			exporter, err = NewStderrExporter()
		default:
			err = fmt.Errorf("malformed trace exporter config #%d", i)
		}
		if err != nil {
			return nil, err
		}

		exporters = append(exporters, exporter)
	}

	switch len(exporters) {
	case 0:
		return NewNopExporter(), nil
	case 1:
		return exporters[0], nil
	default:
		return NewMultiExporter(exporters...), nil
	}
}
