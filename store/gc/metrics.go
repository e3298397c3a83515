package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	orphansDeleted   metric.Int64Counter
	candidates       metric.Int64Gauge
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"subatomic_gc_runs_total",
		metric.WithDescription("Total number of artifact GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"subatomic_gc_run_duration_seconds",
		metric.WithDescription("Artifact GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	orphansDeleted, err := meter.Int64Counter(
		"subatomic_gc_orphans_deleted_total",
		metric.WithDescription("Total number of unreferenced artifacts deleted"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	candidates, err := meter.Int64Gauge(
		"subatomic_gc_candidates",
		metric.WithDescription("Unreferenced artifacts awaiting deletion on the next run"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"subatomic_gc_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by artifact GC"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"subatomic_gc_errors_total",
		metric.WithDescription("Total number of artifact GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"subatomic_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last artifact GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"subatomic_gc_last_run_success",
		metric.WithDescription("Whether last artifact GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		orphansDeleted:   orphansDeleted,
		candidates:       candidates,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
