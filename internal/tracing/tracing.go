// Package tracing configures OpenTelemetry tracing for the kernel daemon.
// Every crank is wrapped in a span so a slow or failing vat can be traced
// end to end from the host RPC that enqueued it.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Configure installs a batched OTLP/gRPC span exporter as the global tracer
// provider for the process.
func Configure(ctx context.Context, res *resource.Resource) error {
	spanExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(spanExporter)),
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return nil
}

// Tracer returns the kernel's named tracer.
func Tracer() oteltrace.Tracer {
	return otel.Tracer("go.ocapkernel.dev/kernel")
}

// StartCrank starts a span for one crank, tagged with the event kind and
// target vat so traces line up with transcript entries.
func StartCrank(ctx context.Context, eventKind string, vatID string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "dispatch.crank",
		oteltrace.WithAttributes(
			attribute.String("event.kind", eventKind),
			attribute.String("vat.id", vatID),
		),
	)
}
