package pthread

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/pthreads/pkg/shm"
)

const tracerName = "github.com/fluxorio/pthreads/pkg/pthread"

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

func (r *Runtime) startSpan(ctx context.Context, name string, from *Thread, target shm.Handle) (context.Context, trace.Span) {
	caller := "external"
	if from != nil {
		caller = from.Handle().String()
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("pthread.caller", caller),
		attribute.String("pthread.target", target.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
