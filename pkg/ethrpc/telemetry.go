package ethrpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics:
//   - multicall.transport.request.duration: request latency including retries
//   - multicall.transport.requests.total: requests by method and status
//   - multicall.transport.retries.total: retry attempts by method
const instrumentationName = "github.com/archon-research/multicall/pkg/ethrpc"

type telemetry struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	retriesTotal    metric.Int64Counter
}

func newTelemetry(mp metric.MeterProvider) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &telemetry{}

	var err error
	t.requestDuration, err = meter.Float64Histogram(
		"multicall.transport.request.duration",
		metric.WithDescription("Duration of JSON-RPC requests in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	t.requestsTotal, err = meter.Int64Counter(
		"multicall.transport.requests.total",
		metric.WithDescription("Total number of JSON-RPC requests"),
	)
	if err != nil {
		return nil, err
	}

	t.retriesTotal, err = meter.Int64Counter(
		"multicall.transport.retries.total",
		metric.WithDescription("Total number of JSON-RPC retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *telemetry) recordRequest(ctx context.Context, method string, duration time.Duration, status string) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	t.requestDuration.Record(ctx, duration.Seconds(), attrs)
	t.requestsTotal.Add(ctx, 1, attrs)
}

func (t *telemetry) recordRetry(ctx context.Context, method string) {
	t.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}
