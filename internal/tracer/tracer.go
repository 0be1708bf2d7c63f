// Package tracer wires up OpenTelemetry tracing for the daemon's router,
// following the noop-vs-stdout exporter approach used throughout the
// teacher codebase.
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"helm/internal/config"
)

const tracerName = "helmd"

// exporterFactories builds a span exporter by cfg.Exporter name; "noop"
// and "" are handled directly by Setup since they never produce an
// exporter at all.
var exporterFactories = map[string]func() (sdktrace.SpanExporter, error){
	"stdout": func() (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
}

// Setup initializes OpenTelemetry tracing and returns a shutdown function.
// When cfg.Enabled is false, a noop TracerProvider is installed (zero
// overhead), so router spans are free to create unconditionally.
func Setup(cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	factory, ok := exporterFactories[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
	exporter, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a named span under the daemon's tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records err on span and sets the span's status to Error.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks span as having completed successfully.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SessionAttr tags a span with the session id a Dispatch call is acting on.
func SessionAttr(sessionID string) attribute.KeyValue {
	return attribute.String("session.id", sessionID)
}

// CommandAttr tags a span with the command name being routed to the agent.
func CommandAttr(command string) attribute.KeyValue {
	return attribute.String("command", command)
}

// ReqIDAttr tags a span with the correlation id of a PendingRequest.
func ReqIDAttr(reqID string) attribute.KeyValue {
	return attribute.String("req.id", reqID)
}
