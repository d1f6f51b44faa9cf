package infrastructure

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusinessMetrics holds the instruments shared by the HTTP layer and the
// serial services.
type BusinessMetrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	SerialsIssued     metric.Int64Counter
	SerialValidations metric.Int64Counter
	SerialRevocations metric.Int64Counter
	SerialRenewals    metric.Int64Counter

	UsageEvents      metric.Int64Counter
	UsageSweepPurged metric.Int64Counter
	LockWaitDuration metric.Float64Histogram
	LockTimeouts     metric.Int64Counter

	CryptoDuration metric.Float64Histogram
}

// CreateBusinessMetrics creates the serialhub instruments on meter.
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	var (
		m   BusinessMetrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.SerialsIssued, "serials_issued_total", "Serials created, by mode"},
		{&m.SerialValidations, "serial_validations_total", "Validation requests, by outcome code"},
		{&m.SerialRevocations, "serial_revocations_total", "Serials revoked"},
		{&m.SerialRenewals, "serial_renewals_total", "Serials renewed"},
		{&m.UsageEvents, "usage_events_total", "Usage tracker events, by type"},
		{&m.UsageSweepPurged, "usage_sweep_expired_total", "Usage records expired by the sweeper"},
		{&m.LockTimeouts, "serial_lock_timeouts_total", "Per-serial lock acquisitions that timed out"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.HTTPRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&m.LockWaitDuration, "serial_lock_wait_seconds", "Time spent waiting for a per-serial lock"},
		{&m.CryptoDuration, "crypto_operation_seconds", "Duration of key derivation and sealing operations"},
	}
	for _, h := range histograms {
		if *h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s")); err != nil {
			return nil, err
		}
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"http_active_requests",
		metric.WithDescription("Number of active HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordSerialsIssued counts created serials. mode is "single" or "bulk".
func RecordSerialsIssued(ctx context.Context, m *BusinessMetrics, mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SerialsIssued.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordValidation counts one validation outcome.
func RecordValidation(ctx context.Context, m *BusinessMetrics, code string) {
	if m == nil {
		return
	}
	m.SerialValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordUsageEvent counts one usage tracker event by its type.
func RecordUsageEvent(ctx context.Context, m *BusinessMetrics, eventType string) {
	if m == nil {
		return
	}
	m.UsageEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordLockWait records how long a lock acquisition took.
func RecordLockWait(ctx context.Context, m *BusinessMetrics, wait time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.Bool("timed_out", timedOut)))
	if timedOut {
		m.LockTimeouts.Add(ctx, 1)
	}
}

// RecordCryptoDuration records one crypto operation, e.g. "encrypt" or "hash".
func RecordCryptoDuration(ctx context.Context, m *BusinessMetrics, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.CryptoDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// RecordSerialLifecycle counts a revoke or renew.
func RecordSerialLifecycle(ctx context.Context, m *BusinessMetrics, op string) {
	if m == nil {
		return
	}
	switch op {
	case "revoke":
		m.SerialRevocations.Add(ctx, 1)
	case "renew":
		m.SerialRenewals.Add(ctx, 1)
	}
}
