package goxa

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/goxa/log"
)

const meterName = "github.com/xiaoxuxiansheng/goxa"

type txMetrics struct {
	outcomes    metric.Int64Counter
	logDuration metric.Int64Histogram
	recovered   metric.Int64Counter
}

func newTXMetrics() *txMetrics {
	meter := otel.Meter(meterName)
	m := &txMetrics{}
	var err error

	m.outcomes, err = meter.Int64Counter(
		"goxa.tx.outcomes",
		metric.WithDescription("Transaction outcomes delivered to callers"),
	)
	logMetricInitError("goxa.tx.outcomes", err)

	m.logDuration, err = meter.Int64Histogram(
		"goxa.journal.log.duration_ms",
		metric.WithDescription("Time spent writing a decision to the journal"),
		metric.WithUnit("ms"),
	)
	logMetricInitError("goxa.journal.log.duration_ms", err)

	m.recovered, err = meter.Int64Counter(
		"goxa.recovery.branches",
		metric.WithDescription("Branches resolved by recovery"),
	)
	logMetricInitError("goxa.recovery.branches", err)

	return m
}

func (m *txMetrics) recordOutcome(ctx context.Context, result string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("goxa.result", result)))
}

func (m *txMetrics) recordJournal(ctx context.Context, decision Decision, duration time.Duration) {
	if m == nil || m.logDuration == nil {
		return
	}
	m.logDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attribute.String("goxa.decision", decision.String())))
}

func (m *txMetrics) recordRecovered(ctx context.Context, action string) {
	if m == nil || m.recovered == nil {
		return
	}
	m.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("goxa.action", action)))
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.Warnf("metric %s init failed, err: %v", name, err)
}
