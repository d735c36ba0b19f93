package host

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"payflow/ledger"
)

// Metrics records call and batch outcomes. A nil *Metrics records nothing.
type Metrics struct {
	calls      metric.Int64Counter
	duration   metric.Float64Histogram
	batchItems metric.Int64Counter
}

// NewMetrics registers the payflow instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("payflow")
	}
	m := &Metrics{}
	var err error
	m.calls, err = meter.Int64Counter("payflow.calls.total",
		metric.WithDescription("Contract calls by name and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("host: calls counter: %w", err)
	}
	m.duration, err = meter.Float64Histogram("payflow.call.duration",
		metric.WithDescription("Contract call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("host: duration histogram: %w", err)
	}
	m.batchItems, err = meter.Int64Counter("payflow.batch.items.total",
		metric.WithDescription("Batch claim items by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("host: batch counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) recordCall(ctx context.Context, name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(ledger.KindOf(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("call", name),
		attribute.String("outcome", outcome),
	)
	m.calls.Add(ctx, 1, attrs)
	m.duration.Record(ctx, took.Seconds(), attrs)
}

// RecordBatch counts the per-item outcomes of a committed batch claim.
func (m *Metrics) RecordBatch(ctx context.Context, name string, succeeded, failed uint32) {
	if m == nil {
		return
	}
	m.batchItems.Add(ctx, int64(succeeded), metric.WithAttributes(
		attribute.String("call", name), attribute.String("outcome", "success")))
	m.batchItems.Add(ctx, int64(failed), metric.WithAttributes(
		attribute.String("call", name), attribute.String("outcome", "failure")))
}
