package lindad

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serverMetrics struct {
	opened metric.Int64Counter
	closed metric.Int64Counter
}

func newServerMetrics(logger pslog.Logger) *serverMetrics {
	meter := otel.Meter("pkt.systems/lindad/server")
	m := &serverMetrics{}
	var err error

	m.opened, err = meter.Int64Counter(
		"lindad.server.conn.opened",
		metric.WithDescription("Client connections accepted"),
	)
	logMetricInitError(logger, "lindad.server.conn.opened", err)

	m.closed, err = meter.Int64Counter(
		"lindad.server.conn.closed",
		metric.WithDescription("Client connections closed, by reason"),
	)
	logMetricInitError(logger, "lindad.server.conn.closed", err)
	return m
}

func (m *serverMetrics) recordOpen(ctx context.Context) {
	if m == nil || m.opened == nil {
		return
	}
	m.opened.Add(context.WithoutCancel(ctx), 1)
}

func (m *serverMetrics) recordClose(ctx context.Context, reason string) {
	if m == nil || m.closed == nil {
		return
	}
	m.closed.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("lindad.conn.reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
