package sampler

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type samplerMetrics struct {
	sample      metric.Int64Counter
	space       metric.Int64ObservableGauge
	connections metric.Int64ObservableGauge
	goroutines  metric.Int64ObservableGauge
	rssBytes    metric.Int64ObservableGauge
	memPercent  metric.Float64ObservableGauge
	cpuPercent  metric.Float64ObservableGauge
	load        metric.Float64ObservableGauge

	latest func() (Snapshot, bool)
}

func newSamplerMetrics(logger pslog.Logger, latest func() (Snapshot, bool)) *samplerMetrics {
	meter := otel.Meter("pkt.systems/lindad/sampler")
	m := &samplerMetrics{latest: latest}
	var err error

	m.sample, err = meter.Int64Counter(
		"lindad.sampler.sample",
		metric.WithDescription("Samples collected"),
	)
	logMetricInitError(logger, "lindad.sampler.sample", err)

	m.space, err = meter.Int64ObservableGauge(
		"lindad.space.size",
		metric.WithDescription("Tuple space keys, values and waiters"),
	)
	logMetricInitError(logger, "lindad.space.size", err)

	m.connections, err = meter.Int64ObservableGauge(
		"lindad.server.connections",
		metric.WithDescription("Open client connections"),
	)
	logMetricInitError(logger, "lindad.server.connections", err)

	m.goroutines, err = meter.Int64ObservableGauge(
		"lindad.sampler.goroutines",
		metric.WithDescription("Goroutine count"),
	)
	logMetricInitError(logger, "lindad.sampler.goroutines", err)

	m.rssBytes, err = meter.Int64ObservableGauge(
		"lindad.sampler.rss.bytes",
		metric.WithDescription("Process resident set size"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "lindad.sampler.rss.bytes", err)

	m.memPercent, err = meter.Float64ObservableGauge(
		"lindad.sampler.memory.percent",
		metric.WithDescription("System memory used percent"),
	)
	logMetricInitError(logger, "lindad.sampler.memory.percent", err)

	m.cpuPercent, err = meter.Float64ObservableGauge(
		"lindad.sampler.cpu.percent",
		metric.WithDescription("System CPU percent"),
	)
	logMetricInitError(logger, "lindad.sampler.cpu.percent", err)

	m.load, err = meter.Float64ObservableGauge(
		"lindad.sampler.load",
		metric.WithDescription("System load average"),
	)
	logMetricInitError(logger, "lindad.sampler.load", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observe(o)
		return nil
	}, m.space, m.connections, m.goroutines, m.rssBytes, m.memPercent, m.cpuPercent, m.load); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "lindad.sampler.metrics", "error", err)
	}
	return m
}

func (m *samplerMetrics) recordSample(ctx context.Context) {
	if m == nil || m.sample == nil {
		return
	}
	m.sample.Add(metricContext(ctx), 1)
}

func (m *samplerMetrics) observe(o metric.Observer) {
	if m == nil || m.latest == nil {
		return
	}
	snap, ok := m.latest()
	if !ok {
		return
	}
	if m.space != nil {
		o.ObserveInt64(m.space, int64(snap.Keys), metric.WithAttributes(attribute.String("lindad.space.kind", "keys")))
		o.ObserveInt64(m.space, int64(snap.Values), metric.WithAttributes(attribute.String("lindad.space.kind", "values")))
		o.ObserveInt64(m.space, int64(snap.Waiters), metric.WithAttributes(attribute.String("lindad.space.kind", "waiters")))
	}
	if m.connections != nil {
		o.ObserveInt64(m.connections, snap.Connections)
	}
	if m.goroutines != nil {
		o.ObserveInt64(m.goroutines, int64(snap.Goroutines))
	}
	if m.rssBytes != nil {
		o.ObserveInt64(m.rssBytes, clampUint64(snap.RSSBytes))
	}
	if m.memPercent != nil {
		o.ObserveFloat64(m.memPercent, snap.MemoryPercent)
	}
	if m.cpuPercent != nil {
		o.ObserveFloat64(m.cpuPercent, snap.CPUPercent)
	}
	if m.load != nil {
		o.ObserveFloat64(m.load, snap.Load1, metric.WithAttributes(attribute.String("lindad.load.window", "1")))
		o.ObserveFloat64(m.load, snap.Load5, metric.WithAttributes(attribute.String("lindad.load.window", "5")))
		o.ObserveFloat64(m.load, snap.Load15, metric.WithAttributes(attribute.String("lindad.load.window", "15")))
	}
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
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
