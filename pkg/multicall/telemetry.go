package multicall

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics recorded by the engine:
//   - multicall.dispatch.duration: histogram of dispatch latency in seconds
//   - multicall.dispatch.total: dispatches by version and status
//   - multicall.calls.total: per-call outcomes by version and kind
const instrumentationName = "github.com/archon-research/multicall/pkg/multicall"

type telemetry struct {
	tracer trace.Tracer

	dispatchDuration metric.Float64Histogram
	dispatchTotal    metric.Int64Counter
	callsTotal       metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	t.dispatchDuration, err = meter.Float64Histogram(
		"multicall.dispatch.duration",
		metric.WithDescription("Duration of multicall dispatches in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	t.dispatchTotal, err = meter.Int64Counter(
		"multicall.dispatch.total",
		metric.WithDescription("Total number of multicall dispatches"),
	)
	if err != nil {
		return nil, err
	}

	t.callsTotal, err = meter.Int64Counter(
		"multicall.calls.total",
		metric.WithDescription("Total number of aggregated calls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *telemetry) startDispatch(ctx context.Context, chainID uint64, v Version, calls int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "multicall.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("multicall.chain_id", int64(chainID)),
			attribute.String("multicall.version", v.String()),
			attribute.Int("multicall.calls", calls),
		),
	)
}

func (t *telemetry) recordDispatch(ctx context.Context, v Version, duration time.Duration, status string) {
	attrs := metric.WithAttributes(
		attribute.String("version", v.String()),
		attribute.String("status", status),
	)
	t.dispatchDuration.Record(ctx, duration.Seconds(), attrs)
	t.dispatchTotal.Add(ctx, 1, attrs)
}

func (t *telemetry) recordOutcomes(ctx context.Context, v Version, outcomes []Outcome) {
	var counts [3]int64
	for _, o := range outcomes {
		if int(o.Kind) < len(counts) {
			counts[o.Kind]++
		}
	}
	for kind, n := range counts {
		if n == 0 {
			continue
		}
		t.callsTotal.Add(ctx, n, metric.WithAttributes(
			attribute.String("version", v.String()),
			attribute.String("outcome", OutcomeKind(kind).String()),
		))
	}
}
