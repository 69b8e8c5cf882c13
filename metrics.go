package uplock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquired      metric.Int64Counter
	contention    metric.Int64Counter
	sweepRuns     metric.Int64Counter
	sweepRemoved  metric.Int64Counter
	sweepDuration metric.Int64Histogram
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/uplock")
	m := &lockMetrics{}
	var err error

	m.acquired, err = meter.Int64Counter(
		"uplock.lock.acquired",
		metric.WithDescription("Upload locks acquired"),
	)
	logMetricInitError(logger, "uplock.lock.acquired", err)

	m.contention, err = meter.Int64Counter(
		"uplock.lock.contention",
		metric.WithDescription("Acquisition attempts that found the lock held"),
	)
	logMetricInitError(logger, "uplock.lock.contention", err)

	m.sweepRuns, err = meter.Int64Counter(
		"uplock.sweep.run",
		metric.WithDescription("Stale lock sweep runs"),
	)
	logMetricInitError(logger, "uplock.sweep.run", err)

	m.sweepRemoved, err = meter.Int64Counter(
		"uplock.sweep.removed",
		metric.WithDescription("Stale lock artifacts removed by sweeps"),
	)
	logMetricInitError(logger, "uplock.sweep.removed", err)

	m.sweepDuration, err = meter.Int64Histogram(
		"uplock.sweep.duration_ms",
		metric.WithDescription("Stale lock sweep duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "uplock.sweep.duration_ms", err)

	return m
}

func (m *lockMetrics) recordAcquired(ctx context.Context, attempts int) {
	if m == nil || m.acquired == nil {
		return
	}
	m.acquired.Add(metricContext(ctx), 1,
		metric.WithAttributes(attribute.Int("uplock.lock.attempts", attempts)))
}

func (m *lockMetrics) recordContention(ctx context.Context) {
	if m == nil || m.contention == nil {
		return
	}
	m.contention.Add(metricContext(ctx), 1)
}

func (m *lockMetrics) recordSweep(ctx context.Context, duration time.Duration, removed int) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.sweepRuns != nil {
		m.sweepRuns.Add(ctx, 1)
	}
	if removed > 0 && m.sweepRemoved != nil {
		m.sweepRemoved.Add(ctx, int64(removed))
	}
	if m.sweepDuration != nil {
		m.sweepDuration.Record(ctx, duration.Milliseconds())
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
