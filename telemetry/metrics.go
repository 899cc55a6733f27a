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
	meterName = "github.com/wolfeidau/media-cache"
)

// Removal reasons used as the "reason" attribute on removal metrics.
const (
	ReasonTTL    = "ttl"
	ReasonLRU    = "lru"
	ReasonManual = "manual"
	ReasonClear  = "clear"
)

// Report outcomes used as the "outcome" attribute on accounting metrics.
const (
	ReportSent    = "sent"
	ReportFailed  = "failed"
	ReportDropped = "dropped"
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

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	cacheLookupsTotal  metric.Int64Counter
	rangeWriteSize     metric.Float64Histogram
	removalsTotal      metric.Int64Counter
	removedBytesTotal  metric.Int64Counter
	removalErrorsTotal metric.Int64Counter
	inconsistentTotal  metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	cacheUsageBytes    metric.Int64Gauge
	cacheBudgetBytes   metric.Int64Gauge
	cacheEntries       metric.Int64Gauge

	reportsTotal     metric.Int64Counter
	reportBytesTotal metric.Int64Counter
	reportDuration   metric.Float64Histogram
	markersTotal     metric.Int64Counter
	activeSessions   metric.Int64UpDownCounter

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

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "media-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler

	globalMetrics = m
	return nil
}

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// HTTP

	if m.requestsTotal, err = meter.Int64Counter(
		"media_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"media_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"media_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"media_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	// Backend

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"media_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"media_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"media_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Upstream

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"media_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"media_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"media_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes read from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Cache

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"media_cache_lookups_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.rangeWriteSize, err = meter.Float64Histogram(
		"media_cache_range_write_size_bytes",
		metric.WithDescription("Size of stored ranges written to disk"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824),
	); err != nil {
		return nil, err
	}

	if m.removalsTotal, err = meter.Int64Counter(
		"media_cache_removals_total",
		metric.WithDescription("Total cache entries removed by reason"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.removedBytesTotal, err = meter.Int64Counter(
		"media_cache_removed_bytes_total",
		metric.WithDescription("Total bytes freed by entry removal"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.removalErrorsTotal, err = meter.Int64Counter(
		"media_cache_removal_errors_total",
		metric.WithDescription("Total entry removals that failed and were skipped"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}

	if m.inconsistentTotal, err = meter.Int64Counter(
		"media_cache_inconsistent_total",
		metric.WithDescription("Eviction runs that stopped over budget with no tracked entries"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"media_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of TTL sweep runs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.cacheUsageBytes, err = meter.Int64Gauge(
		"media_cache_usage_bytes",
		metric.WithDescription("Bytes currently stored"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheBudgetBytes, err = meter.Int64Gauge(
		"media_cache_budget_bytes",
		metric.WithDescription("Configured byte budget"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"media_cache_entries",
		metric.WithDescription("Tracked cache entries"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	// Accounting

	if m.reportsTotal, err = meter.Int64Counter(
		"media_cache_accounting_reports_total",
		metric.WithDescription("Bandwidth reports by outcome"),
		metric.WithUnit("{report}"),
	); err != nil {
		return nil, err
	}

	if m.reportBytesTotal, err = meter.Int64Counter(
		"media_cache_accounting_reported_bytes_total",
		metric.WithDescription("Downloaded bytes carried by bandwidth reports"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.reportDuration, err = meter.Float64Histogram(
		"media_cache_accounting_report_duration_seconds",
		metric.WithDescription("Duration of bandwidth report delivery"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.markersTotal, err = meter.Int64Counter(
		"media_cache_accounting_markers_total",
		metric.WithDescription("Resources marked as reported after crossing the playback threshold"),
		metric.WithUnit("{marker}"),
	); err != nil {
		return nil, err
	}

	if m.activeSessions, err = meter.Int64UpDownCounter(
		"media_cache_accounting_active_sessions",
		metric.WithDescription("Open playback accounting sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}

	return m, nil
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
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	route := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
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

// RecordUpstreamFetch records an outbound request to target ("origin" or "accounting").
func RecordUpstreamFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records a cache read by result.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordRangeWrite records a stored range write with its size and encoding.
func RecordRangeWrite(ctx context.Context, size int64, encoding string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rangeWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("encoding", encoding)))
}

// RecordRemoval records entries removed for reason along with the bytes freed.
func RecordRemoval(ctx context.Context, reason string, count int, bytes int64) {
	if globalMetrics == nil || count == 0 {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.removalsTotal.Add(ctx, int64(count), attrs)
	if bytes > 0 {
		globalMetrics.removedBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordRemovalErrors records entry removals that failed and were skipped.
func RecordRemovalErrors(ctx context.Context, reason string, count int) {
	if globalMetrics == nil || count == 0 {
		return
	}
	globalMetrics.removalErrorsTotal.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordInconsistent records an eviction run that ended over budget with no entries left.
func RecordInconsistent(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.inconsistentTotal.Add(ctx, 1)
}

// RecordSweep records the duration of one TTL sweep.
func RecordSweep(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// UpdateCacheState updates the usage, budget and entry gauges.
func UpdateCacheState(ctx context.Context, usage, budget int64, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheUsageBytes.Record(ctx, usage)
	globalMetrics.cacheBudgetBytes.Record(ctx, budget)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
}

// RecordReport records a bandwidth report by outcome. duration is zero for
// reports that never reached the network.
func RecordReport(ctx context.Context, outcome string, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.reportsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.reportBytesTotal.Add(ctx, bytes, attrs)
	}
	if duration > 0 {
		globalMetrics.reportDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordMarker records a resource crossing the playback threshold.
func RecordMarker(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.markersTotal.Add(ctx, 1)
}

// RecordSessionDelta adjusts the active session count by delta.
func RecordSessionDelta(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.activeSessions.Add(ctx, delta)
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
