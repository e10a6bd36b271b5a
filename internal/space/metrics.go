package space

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type spaceMetrics struct {
	produceCount  metric.Int64Counter
	produceBytes  metric.Int64Counter
	takeCount     metric.Int64Counter
	takeBytes     metric.Int64Counter
	waitDuration  metric.Int64Histogram
	abandonedWait metric.Int64Counter
}

func newSpaceMetrics(logger pslog.Logger) *spaceMetrics {
	meter := otel.Meter("pkt.systems/lindad/space")
	m := &spaceMetrics{}
	var err error

	m.produceCount, err = meter.Int64Counter(
		"lindad.space.produce",
		metric.WithDescription("Tuple space produce operations"),
	)
	logMetricInitError(logger, "lindad.space.produce", err)

	m.produceBytes, err = meter.Int64Counter(
		"lindad.space.produce.bytes",
		metric.WithDescription("Tuple space produced value bytes"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "lindad.space.produce.bytes", err)

	m.takeCount, err = meter.Int64Counter(
		"lindad.space.take",
		metric.WithDescription("Tuple space peek and consume operations"),
	)
	logMetricInitError(logger, "lindad.space.take", err)

	m.takeBytes, err = meter.Int64Counter(
		"lindad.space.take.bytes",
		metric.WithDescription("Tuple space value bytes returned by peek and consume"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "lindad.space.take.bytes", err)

	m.waitDuration, err = meter.Int64Histogram(
		"lindad.space.wait.duration_ms",
		metric.WithDescription("Time spent blocked waiting for a value"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lindad.space.wait.duration_ms", err)

	m.abandonedWait, err = meter.Int64Counter(
		"lindad.space.wait.abandoned",
		metric.WithDescription("Waits that ended without a value"),
	)
	logMetricInitError(logger, "lindad.space.wait.abandoned", err)

	return m
}

func (m *spaceMetrics) recordProduce(ctx context.Context, bytes int) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.produceCount != nil {
		m.produceCount.Add(ctx, 1)
	}
	if m.produceBytes != nil && bytes > 0 {
		m.produceBytes.Add(ctx, int64(bytes))
	}
}

func (m *spaceMetrics) recordTake(ctx context.Context, op string, bytes int, waited bool, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	// The caller's ctx may already be cancelled; metrics must still land.
	ctx = context.WithoutCancel(metricContext(ctx))
	attrs := metric.WithAttributes(
		attribute.String("lindad.space.op", op),
		attribute.String("lindad.space.waited", boolLabel(waited)),
	)
	if err != nil {
		if m.abandonedWait != nil {
			m.abandonedWait.Add(ctx, 1, attrs)
		}
		return
	}
	if m.takeCount != nil {
		m.takeCount.Add(ctx, 1, attrs)
	}
	if m.takeBytes != nil && bytes > 0 {
		m.takeBytes.Add(ctx, int64(bytes), attrs)
	}
	if m.waitDuration != nil && waited {
		m.waitDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func boolLabel(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
