package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	domain "github.com/lumiframe/api/internal/domain"
)

const shippingMetricNamespace = "github.com/lumiframe/api/internal/shipping"

// ShippingMetrics records shipping order lifecycle counters on an OpenTelemetry meter.
// Instruments that fail to register are skipped.
type ShippingMetrics struct {
	created     metric.Int64Counter
	purchases   metric.Int64Histogram
	transitions metric.Int64Counter
	proofBytes  metric.Int64Histogram
}

// NewShippingMetrics registers the shipping instruments. A nil meter uses the global provider.
func NewShippingMetrics(meter metric.Meter, logger *zap.Logger) *ShippingMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(shippingMetricNamespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &ShippingMetrics{}
	var err error
	if m.created, err = meter.Int64Counter(
		"shipping.orders.created",
		metric.WithDescription("Count of shipping orders created"),
	); err != nil {
		logger.Warn("observability: unable to register shipping order counter", zap.Error(err))
		m.created = nil
	}
	if m.purchases, err = meter.Int64Histogram(
		"shipping.orders.purchases",
		metric.WithDescription("Number of purchases bundled per shipping order"),
	); err != nil {
		logger.Warn("observability: unable to register purchases histogram", zap.Error(err))
		m.purchases = nil
	}
	if m.transitions, err = meter.Int64Counter(
		"shipping.orders.status_transitions",
		metric.WithDescription("Count of shipping order status transitions"),
	); err != nil {
		logger.Warn("observability: unable to register transition counter", zap.Error(err))
		m.transitions = nil
	}
	if m.proofBytes, err = meter.Int64Histogram(
		"shipping.proofs.size",
		metric.WithUnit("By"),
		metric.WithDescription("Size of uploaded delivery proof images"),
	); err != nil {
		logger.Warn("observability: unable to register proof size histogram", zap.Error(err))
		m.proofBytes = nil
	}
	return m
}

// OrderCreated records a new shipping order and how many purchases it bundles.
func (m *ShippingMetrics) OrderCreated(ctx context.Context, purchases int) {
	if m == nil {
		return
	}
	if m.created != nil {
		m.created.Add(ctx, 1)
	}
	if m.purchases != nil {
		m.purchases.Record(ctx, int64(purchases))
	}
}

// StatusChanged records a status transition.
func (m *ShippingMetrics) StatusChanged(ctx context.Context, from, to domain.ShippingStatus) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// ProofUploaded records the size of an accepted delivery proof.
func (m *ShippingMetrics) ProofUploaded(ctx context.Context, bytes int) {
	if m == nil || m.proofBytes == nil {
		return
	}
	m.proofBytes.Record(ctx, int64(bytes))
}

// VerificationMetrics counts webhook signature and service token checks.
type VerificationMetrics struct {
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewVerificationMetrics registers the verification instruments.
func NewVerificationMetrics(meter metric.Meter, logger *zap.Logger) *VerificationMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(shippingMetricNamespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &VerificationMetrics{}
	var err error
	if m.outcomes, err = meter.Int64Counter("auth.verifications",
		metric.WithDescription("Request verification outcomes by kind and reason"),
	); err != nil {
		logger.Warn("observability: unable to register verification counter", zap.Error(err))
		m.outcomes = nil
	}
	if m.latency, err = meter.Float64Histogram("auth.verification.duration",
		metric.WithUnit("ms"),
	); err != nil {
		logger.Warn("observability: unable to register verification latency", zap.Error(err))
		m.latency = nil
	}
	return m
}

// RecordVerification records one verification attempt.
func (m *VerificationMetrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(attribute.String("kind", kind)))
	}
}
