package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records execution counters and histograms for the dispatch
// pipeline as a whole and for the rate limiter, circuit breaker, retry
// executor, task manager, and watchdog. There is no session-manager
// instrument. Grounded on
// the teacher's observe.metricsImpl (observe/metrics.go), generalized
// from a single tool.exec.* trio to one instrument set per subsystem.
type Metrics interface {
	// RecordDispatch records one full pipeline run for tool.
	RecordDispatch(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordRateLimit records a rate-limiter decision for key.
	RecordRateLimit(ctx context.Context, key string, allowed bool)

	// RecordBreakerTrip records a circuit breaker transitioning to Open.
	RecordBreakerTrip(ctx context.Context, breakerKey string)

	// RecordRetry records one retry-executor attempt outcome.
	RecordRetry(ctx context.Context, policy string, attempts int, outcome string)

	// RecordTaskTransition records a task lifecycle transition.
	RecordTaskTransition(ctx context.Context, tool string, status string)

	// RecordWatchdogExpiry records a watchdog entry expiring.
	RecordWatchdogExpiry(ctx context.Context, name string)
}

type metricsImpl struct {
	dispatchTotal   metric.Int64Counter
	dispatchErrors  metric.Int64Counter
	dispatchLatency metric.Float64Histogram

	rateLimitTotal   metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	breakerTrips     metric.Int64Counter
	retryAttempts    metric.Int64Counter
	taskTransitions  metric.Int64Counter
	watchdogExpiries metric.Int64Counter
}

// NewMetrics builds a Metrics instance backed by meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	dispatchTotal, err := meter.Int64Counter(
		"mcpd.dispatch.total",
		metric.WithDescription("total dispatched tool invocations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	dispatchErrors, err := meter.Int64Counter(
		"mcpd.dispatch.errors",
		metric.WithDescription("total dispatched tool invocations that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram(
		"mcpd.dispatch.duration_ms",
		metric.WithDescription("dispatch pipeline duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitTotal, err := meter.Int64Counter(
		"mcpd.ratelimit.total",
		metric.WithDescription("total rate-limiter acquisitions attempted"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitDenied, err := meter.Int64Counter(
		"mcpd.ratelimit.denied",
		metric.WithDescription("total rate-limiter acquisitions denied"),
	)
	if err != nil {
		return nil, err
	}

	breakerTrips, err := meter.Int64Counter(
		"mcpd.breaker.trips",
		metric.WithDescription("total circuit breaker trips to Open"),
	)
	if err != nil {
		return nil, err
	}

	retryAttempts, err := meter.Int64Counter(
		"mcpd.retry.attempts",
		metric.WithDescription("total retry executor attempts, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	taskTransitions, err := meter.Int64Counter(
		"mcpd.task.transitions",
		metric.WithDescription("total task lifecycle transitions, by status"),
	)
	if err != nil {
		return nil, err
	}

	watchdogExpiries, err := meter.Int64Counter(
		"mcpd.watchdog.expiries",
		metric.WithDescription("total watchdog entry expirations"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		dispatchTotal:    dispatchTotal,
		dispatchErrors:   dispatchErrors,
		dispatchLatency:  dispatchLatency,
		rateLimitTotal:   rateLimitTotal,
		rateLimitDenied:  rateLimitDenied,
		breakerTrips:     breakerTrips,
		retryAttempts:    retryAttempts,
		taskTransitions:  taskTransitions,
		watchdogExpiries: watchdogExpiries,
	}, nil
}

func (m *metricsImpl) RecordDispatch(ctx context.Context, tool string, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("tool", tool))
	m.dispatchTotal.Add(ctx, 1, opt)
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, opt)
	}
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordRateLimit(ctx context.Context, key string, allowed bool) {
	opt := metric.WithAttributes(attribute.String("key", key))
	m.rateLimitTotal.Add(ctx, 1, opt)
	if !allowed {
		m.rateLimitDenied.Add(ctx, 1, opt)
	}
}

func (m *metricsImpl) RecordBreakerTrip(ctx context.Context, breakerKey string) {
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker", breakerKey)))
}

func (m *metricsImpl) RecordRetry(ctx context.Context, policy string, attempts int, outcome string) {
	m.retryAttempts.Add(ctx, int64(attempts), metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.String("outcome", outcome),
	))
}

func (m *metricsImpl) RecordTaskTransition(ctx context.Context, tool string, status string) {
	m.taskTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

func (m *metricsImpl) RecordWatchdogExpiry(ctx context.Context, name string) {
	m.watchdogExpiries.Add(ctx, 1, metric.WithAttributes(attribute.String("watchdog", name)))
}

// noopMetrics discards everything; used when metrics are disabled.
type noopMetrics struct{}

func (noopMetrics) RecordDispatch(context.Context, string, time.Duration, error) {}
func (noopMetrics) RecordRateLimit(context.Context, string, bool)                {}
func (noopMetrics) RecordBreakerTrip(context.Context, string)                    {}
func (noopMetrics) RecordRetry(context.Context, string, int, string)             {}
func (noopMetrics) RecordTaskTransition(context.Context, string, string)         {}
func (noopMetrics) RecordWatchdogExpiry(context.Context, string)                 {}
