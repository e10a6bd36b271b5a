package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type commandMetrics struct {
	requests metric.Int64Counter
	duration metric.Int64Histogram
}

func newCommandMetrics(logger pslog.Logger) *commandMetrics {
	meter := otel.Meter("pkt.systems/lindad/command")
	m := &commandMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"lindad.command.requests",
		metric.WithDescription("Protocol commands executed"),
	)
	logMetricInitError(logger, "lindad.command.requests", err)

	m.duration, err = meter.Int64Histogram(
		"lindad.command.duration_ms",
		metric.WithDescription("Protocol command duration including blocking waits"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lindad.command.duration_ms", err)

	return m
}

func (m *commandMetrics) record(ctx context.Context, verb string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("lindad.command.verb", verb),
		attribute.String("lindad.command.status", string(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
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
