package webhook

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pubkeep/pubkeep/pkg/metrics"
)

const (
	labelUnknownValue   = "unknown"
	outcomeSuccessValue = "success"
	outcomeErrorValue   = "error"
)

// Metrics instruments outbound webhook dispatch.
type Metrics struct {
	meter             metric.Meter
	emittedTotal      metric.Int64Counter
	deliveriesTotal   metric.Int64Counter
	deliveryHistogram metric.Float64Histogram
	inflightGauge     metric.Int64UpDownCounter
}

// NewMetrics initializes dispatch metrics using the provided meter. A nil
// meter yields a no-op instance.
func NewMetrics(_ context.Context, meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init() error {
	if m.meter == nil {
		return nil
	}
	var err error
	m.emittedTotal, err = m.meter.Int64Counter(
		metrics.MetricNameWithSubsystem("webhook", "events_total"),
		metric.WithDescription("Total events offered to the dispatcher"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook events counter: %w", err)
	}
	m.deliveriesTotal, err = m.meter.Int64Counter(
		metrics.MetricNameWithSubsystem("webhook", "deliveries_total"),
		metric.WithDescription("Total delivery attempts partitioned by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook deliveries counter: %w", err)
	}
	m.deliveryHistogram, err = m.meter.Float64Histogram(
		metrics.MetricNameWithSubsystem("webhook", "delivery_duration_seconds"),
		metric.WithDescription("Outbound delivery duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2, 2.5, 5, 10),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery duration histogram: %w", err)
	}
	m.inflightGauge, err = m.meter.Int64UpDownCounter(
		metrics.MetricNameWithSubsystem("webhook", "inflight_deliveries"),
		metric.WithDescription("Deliveries currently on the wire"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook inflight gauge: %w", err)
	}
	return nil
}

// RecordEmit counts one event offered to the dispatcher and its fan-out.
func (m *Metrics) RecordEmit(ctx context.Context, eventType string, matched int) {
	if m.emittedTotal == nil {
		return
	}
	if eventType == "" {
		eventType = labelUnknownValue
	}
	m.emittedTotal.Add(
		ctx,
		1,
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.Int("matched", matched),
		),
	)
}

// ObserveDelivery records one delivery attempt partitioned by outcome.
func (m *Metrics) ObserveDelivery(ctx context.Context, eventType string, d time.Duration, success bool) {
	if eventType == "" {
		eventType = labelUnknownValue
	}
	outcome := outcomeSuccessValue
	if !success {
		outcome = outcomeErrorValue
	}
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	if m.deliveryHistogram != nil {
		m.deliveryHistogram.Record(ctx, d.Seconds(), attrs)
	}
	if m.deliveriesTotal != nil {
		m.deliveriesTotal.Add(ctx, 1, attrs)
	}
}

// AddInflight tracks deliveries currently on the wire.
func (m *Metrics) AddInflight(ctx context.Context, delta int64) {
	if m.inflightGauge == nil {
		return
	}
	m.inflightGauge.Add(ctx, delta)
}
