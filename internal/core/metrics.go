package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coreMetrics struct {
	stateOps        metric.Int64Counter
	stateDuration   metric.Int64Histogram
	leaseOps        metric.Int64Counter
	leaseDuration   metric.Int64Histogram
	sweepRuns       metric.Int64Counter
	sweepDuration   metric.Int64Histogram
	sweepReclaimed  metric.Int64Counter
	appendCount     metric.Int64Counter
	appendDuration  metric.Int64Histogram
	systemEvents    metric.Int64Counter
	tailOpens       metric.Int64Counter
	tailCloses      metric.Int64Counter
	activeLeases    metric.Int64ObservableGauge
	eventHead       metric.Int64ObservableGauge
	tailSubscribers metric.Int64ObservableGauge
}

func newCoreMetrics(logger pslog.Logger, svc *Service) *coreMetrics {
	meter := otel.Meter("pkt.systems/collabd/core")
	m := &coreMetrics{}
	var err error

	m.stateOps, err = meter.Int64Counter(
		"collabd.state.ops",
		metric.WithDescription("Resource operations by op and result"),
	)
	logMetricInitError(logger, "collabd.state.ops", err)

	m.stateDuration, err = meter.Int64Histogram(
		"collabd.state.duration_ms",
		metric.WithDescription("Resource operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "collabd.state.duration_ms", err)

	m.leaseOps, err = meter.Int64Counter(
		"collabd.lease.ops",
		metric.WithDescription("Lease operations by op and result"),
	)
	logMetricInitError(logger, "collabd.lease.ops", err)

	m.leaseDuration, err = meter.Int64Histogram(
		"collabd.lease.duration_ms",
		metric.WithDescription("Lease operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "collabd.lease.duration_ms", err)

	m.sweepRuns, err = meter.Int64Counter(
		"collabd.lease.sweep.runs",
		metric.WithDescription("Explicit reclaim sweeps"),
	)
	logMetricInitError(logger, "collabd.lease.sweep.runs", err)

	m.sweepDuration, err = meter.Int64Histogram(
		"collabd.lease.sweep.duration_ms",
		metric.WithDescription("Explicit reclaim sweep duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "collabd.lease.sweep.duration_ms", err)

	m.sweepReclaimed, err = meter.Int64Counter(
		"collabd.lease.reclaimed",
		metric.WithDescription("Leases reclaimed after expiry"),
	)
	logMetricInitError(logger, "collabd.lease.reclaimed", err)

	m.appendCount, err = meter.Int64Counter(
		"collabd.events.append",
		metric.WithDescription("Caller event appends"),
	)
	logMetricInitError(logger, "collabd.events.append", err)

	m.appendDuration, err = meter.Int64Histogram(
		"collabd.events.append.duration_ms",
		metric.WithDescription("Caller event append duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "collabd.events.append.duration_ms", err)

	m.systemEvents, err = meter.Int64Counter(
		"collabd.events.system",
		metric.WithDescription("Events recorded for resource and lease changes"),
	)
	logMetricInitError(logger, "collabd.events.system", err)

	m.tailOpens, err = meter.Int64Counter(
		"collabd.events.tail.opened",
		metric.WithDescription("Tail subscriptions opened"),
	)
	logMetricInitError(logger, "collabd.events.tail.opened", err)

	m.tailCloses, err = meter.Int64Counter(
		"collabd.events.tail.closed",
		metric.WithDescription("Tail subscriptions closed by reason"),
	)
	logMetricInitError(logger, "collabd.events.tail.closed", err)

	m.activeLeases, err = meter.Int64ObservableGauge(
		"collabd.lease.active",
		metric.WithDescription("Leases indexed as active"),
	)
	logMetricInitError(logger, "collabd.lease.active", err)

	m.eventHead, err = meter.Int64ObservableGauge(
		"collabd.events.head",
		metric.WithDescription("Sequence number of the newest event"),
	)
	logMetricInitError(logger, "collabd.events.head", err)

	m.tailSubscribers, err = meter.Int64ObservableGauge(
		"collabd.events.tail.subscribers",
		metric.WithDescription("Live tail subscriptions"),
	)
	logMetricInitError(logger, "collabd.events.tail.subscribers", err)

	if svc != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			if m.activeLeases != nil {
				o.ObserveInt64(m.activeLeases, int64(len(svc.leases.List())))
			}
			if m.eventHead != nil {
				o.ObserveInt64(m.eventHead, int64(svc.events.Head()))
			}
			if m.tailSubscribers != nil {
				o.ObserveInt64(m.tailSubscribers, int64(svc.events.Subscribers()))
			}
			return nil
		}, m.activeLeases, m.eventHead, m.tailSubscribers); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "collabd.core.gauges", "error", err)
		}
	}
	return m
}

func (m *coreMetrics) recordState(ctx context.Context, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("collabd.op", op),
		attribute.String("collabd.result", failureCode(err)),
	)
	if m.stateOps != nil {
		m.stateOps.Add(ctx, 1, attrs)
	}
	if m.stateDuration != nil {
		m.stateDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *coreMetrics) recordLease(ctx context.Context, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("collabd.op", op),
		attribute.String("collabd.result", failureCode(err)),
	)
	if m.leaseOps != nil {
		m.leaseOps.Add(ctx, 1, attrs)
	}
	if m.leaseDuration != nil {
		m.leaseDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *coreMetrics) recordSweep(ctx context.Context, duration time.Duration, reclaimed int, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.sweepRuns != nil {
		m.sweepRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("collabd.result", failureCode(err))))
	}
	if m.sweepReclaimed != nil && reclaimed > 0 {
		m.sweepReclaimed.Add(ctx, int64(reclaimed))
	}
	if m.sweepDuration != nil {
		m.sweepDuration.Record(ctx, duration.Milliseconds())
	}
}

func (m *coreMetrics) recordAppend(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("collabd.result", failureCode(err)))
	if m.appendCount != nil {
		m.appendCount.Add(ctx, 1, attrs)
	}
	if m.appendDuration != nil {
		m.appendDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *coreMetrics) recordSystemEvent(ctx context.Context, eventType string, err error) {
	if m == nil || m.systemEvents == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.systemEvents.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("collabd.event.type", eventType),
		attribute.String("collabd.result", result),
	))
}

func (m *coreMetrics) tailOpened(ctx context.Context) {
	if m == nil || m.tailOpens == nil {
		return
	}
	m.tailOpens.Add(metricContext(ctx), 1)
}

func (m *coreMetrics) tailClosed(ctx context.Context, reason string) {
	if m == nil || m.tailCloses == nil {
		return
	}
	m.tailCloses.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("collabd.reason", reason)))
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
