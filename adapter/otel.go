// Package adapter connects nodes to systems outside the process: telemetry
// exporters, the admin HTTP surface and reload signals.
package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/mycelial/api"
)

const instrumentationName = "github.com/srediag/mycelial"

// Telemetry selects the OpenTelemetry providers. Nil fields use no-op ones.
type Telemetry struct {
	Meter  metric.Meter
	Tracer trace.Tracer
}

func (t Telemetry) withDefaults() Telemetry {
	if t.Meter == nil {
		t.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if t.Tracer == nil {
		t.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	return t
}

// Instrumented wraps an endpoint with a span, a counter and a duration
// histogram per call.
type Instrumented struct {
	name     string
	next     api.Mycelial
	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

var _ api.Mycelial = (*Instrumented)(nil)

func Instrument(name string, next api.Mycelial, tel Telemetry) (*Instrumented, error) {
	tel = tel.withDefaults()
	calls, err := tel.Meter.Int64Counter("mycelial.operations",
		metric.WithDescription("Node send and receive calls."))
	if err != nil {
		return nil, err
	}
	duration, err := tel.Meter.Float64Histogram("mycelial.operation.duration",
		metric.WithDescription("Node send and receive duration."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Instrumented{
		name:     name,
		next:     next,
		tracer:   tel.Tracer,
		calls:    calls,
		duration: duration,
	}, nil
}

// Unwrap returns the wrapped endpoint.
func (i *Instrumented) Unwrap() api.Mycelial { return i.next }

func (i *Instrumented) Send(ctx context.Context) error {
	return i.run(ctx, "send", i.next.Send)
}

func (i *Instrumented) Receive(ctx context.Context) error {
	return i.run(ctx, "receive", i.next.Receive)
}

func (i *Instrumented) run(ctx context.Context, op string, fn func(context.Context) error) error {
	node := attribute.String("node", i.name)
	ctx, span := i.tracer.Start(ctx, "mycelial."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(node))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	i.calls.Add(ctx, 1, metric.WithAttributes(node, attribute.String("op", op), attribute.String("result", result)))
	i.duration.Record(ctx, elapsed, metric.WithAttributes(node, attribute.String("op", op)))
	return err
}
