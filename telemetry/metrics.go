package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	instrumentationName = "github.com/FyraLabs/subatomic-ng"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	objectStoreHTTPDuration   metric.Float64Histogram
	objectStoreHTTPTotal      metric.Int64Counter
	objectStoreHTTPBytesTotal metric.Int64Counter

	artifactUploadSize metric.Float64Histogram

	packageMutationsTotal metric.Int64Counter
	auditAppendedTotal    metric.Int64Counter
	auditSweptTotal       metric.Int64Counter
	storeTxDuration       metric.Float64Histogram

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func newResource(name, version string) (*resource.Resource, error) {
	if name == "" {
		name = "subatomic"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	histogram := func(dst *metric.Float64Histogram, name, desc, unit string, bounds ...float64) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit),
			metric.WithExplicitBucketBoundaries(bounds...))
	}

	counter(&m.requestsTotal, "subatomic_http_requests_total",
		"Total number of HTTP requests", "{request}")
	counter(&m.responseBytesTotal, "subatomic_http_response_bytes_total",
		"Total bytes sent in HTTP responses", "By")
	histogram(&m.requestDuration, "subatomic_http_request_duration_seconds",
		"HTTP request duration in seconds", "s",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	counter(&m.requestsByEndpointTotal, "subatomic_http_requests_by_endpoint_total",
		"Total number of HTTP requests by endpoint (detail metric)", "{request}")

	histogram(&m.backendRequestDuration, "subatomic_backend_request_duration_seconds",
		"Duration of backend storage operations", "s",
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)
	counter(&m.backendRequestsTotal, "subatomic_backend_requests_total",
		"Total number of backend storage operations", "{request}")
	counter(&m.backendBytesTotal, "subatomic_backend_bytes_total",
		"Total bytes transferred in backend operations", "By")

	histogram(&m.objectStoreHTTPDuration, "subatomic_objectstore_http_duration_seconds",
		"Duration of HTTP calls made by object store SDKs", "s",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60)
	counter(&m.objectStoreHTTPTotal, "subatomic_objectstore_http_requests_total",
		"Total number of HTTP calls made by object store SDKs", "{request}")
	counter(&m.objectStoreHTTPBytesTotal, "subatomic_objectstore_http_bytes_total",
		"Total bytes exchanged with object stores, by direction", "By")

	histogram(&m.artifactUploadSize, "subatomic_artifact_upload_size_bytes",
		"Size of uploaded package artifacts", "By",
		4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824)

	counter(&m.packageMutationsTotal, "subatomic_package_mutations_total",
		"Total package create and availability operations", "{operation}")
	counter(&m.auditAppendedTotal, "subatomic_audit_appended_total",
		"Total audit entries appended", "{entry}")
	counter(&m.auditSweptTotal, "subatomic_audit_swept_total",
		"Total expired audit entries removed", "{entry}")
	histogram(&m.storeTxDuration, "subatomic_store_tx_duration_seconds",
		"Duration of package store operations", "s",
		0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1)

	counter(&m.reaperDeletedTotal, "subatomic_reaper_deleted_total",
		"Total entries deleted by reapers", "{entry}")
	histogram(&m.reaperDuration, "subatomic_reaper_duration_seconds",
		"Duration of reaper cycles", "s",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)

	if err != nil {
		return nil, err
	}
	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Endpoint and op are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	op := "unknown"
	endpoint := ""
	if tags := GetTags(r); tags != nil {
		if tags.Op != "" {
			op = tags.Op
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {op, status_class}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("status_class", statusClass),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("op", op),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordObjectStoreHTTP records one HTTP call made by an object store SDK.
func RecordObjectStoreHTTP(ctx context.Context, call ObjectStoreCall) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", call.Backend),
		attribute.String("method", call.Method),
		attribute.String("outcome", call.Outcome),
	)
	globalMetrics.objectStoreHTTPDuration.Record(ctx, call.Duration.Seconds(), attrs)
	globalMetrics.objectStoreHTTPTotal.Add(ctx, 1, attrs)
	if call.BytesSent > 0 {
		globalMetrics.objectStoreHTTPBytesTotal.Add(ctx, call.BytesSent, metric.WithAttributes(
			attribute.String("backend", call.Backend),
			attribute.String("direction", "out"),
		))
	}
	if call.BytesReceived > 0 {
		globalMetrics.objectStoreHTTPBytesTotal.Add(ctx, call.BytesReceived, metric.WithAttributes(
			attribute.String("backend", call.Backend),
			attribute.String("direction", "in"),
		))
	}
}

// RecordArtifactUpload records an uploaded artifact with its size.
// result is "new", "exists" or "skipped".
func RecordArtifactUpload(ctx context.Context, size int64, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.artifactUploadSize.Record(ctx, float64(size),
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordPackageMutation counts one Create or SetAvailable call.
func RecordPackageMutation(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.packageMutationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordStoreTx records the duration of one store operation.
func RecordStoreTx(ctx context.Context, op string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeTxDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("op", op)))
}

// RecordAuditAppended counts one committed audit entry.
func RecordAuditAppended(ctx context.Context, action string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.auditAppendedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)))
}

// RecordAuditSwept counts expired entries removed. source is "append" for
// the lazy sweep or "reaper".
func RecordAuditSwept(ctx context.Context, source string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.auditSweptTotal.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("source", source)))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
