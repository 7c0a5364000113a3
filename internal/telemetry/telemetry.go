// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/JakeFAU/site-auditor"

var (
	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_analyses_total",
			Help: "Analyses that reached a terminal status, labeled by status.",
		},
		[]string{"status"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditor_stage_duration_seconds",
			Help:    "Duration of pipeline stages, labeled by stage and outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"stage", "outcome"},
	)

	moduleResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_module_results_total",
			Help: "Analyzer module outcomes, labeled by module and status.",
		},
		[]string{"module", "status"},
	)

	queueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_queue_jobs_total",
			Help: "Queue job attempts, labeled by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)

	queueJobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditor_queue_job_duration_seconds",
			Help:    "Duration of queue job attempts, labeled by queue.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180},
		},
		[]string{"queue"},
	)

	fetchArtifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_fetch_artifacts_total",
			Help: "Fetch artifacts written or skipped, labeled by kind and result.",
		},
		[]string{"kind", "result"},
	)

	cacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_cache_operations_total",
			Help: "Result cache operations, labeled by entry class and result.",
		},
		[]string{"class", "result"},
	)

	watchdogReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditor_watchdog_reaped_total",
			Help: "Stale job records failed by the watchdog.",
		},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auditor_active_workers",
			Help: "Workers currently processing a job, labeled by queue.",
		},
		[]string{"queue"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditor_rate_limit_delay_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Config describes the service resource and trace export target.
type Config struct {
	ServiceName string
	Version     string
	ProjectID   string
	Region      string
}

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// InitTelemetry sets up tracing (exported to Google Cloud Trace when a
// project is configured) and bridges OpenTelemetry metrics into the default
// Prometheus registry. It runs once per process.
func InitTelemetry(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		attrs := []resource.Option{
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.Version),
			),
		}
		if cfg.Region != "" {
			attrs = append(attrs, resource.WithAttributes(semconv.CloudRegion(cfg.Region), semconv.CloudProviderGCP))
		}
		res, err := resource.New(ctx, attrs...)
		if err != nil {
			initErr = fmt.Errorf("create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		if cfg.ProjectID != "" {
			exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("create google trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(promExporter))
		otel.SetMeterProvider(mp)

		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeHost extracts a lower-case hostname from a URL for use as a label.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveAnalysis records an analysis reaching a terminal status.
func ObserveAnalysis(status string) {
	analysesTotal.WithLabelValues(status).Inc()
}

// ObserveStage records a pipeline stage duration.
func ObserveStage(stage, outcome string, d time.Duration) {
	stageDurationSeconds.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ObserveModule records an analyzer module outcome.
func ObserveModule(module, status string) {
	moduleResultsTotal.WithLabelValues(module, status).Inc()
}

// ObserveQueueJob records one queue attempt.
func ObserveQueueJob(queue, outcome string, d time.Duration) {
	queueJobsTotal.WithLabelValues(queue, outcome).Inc()
	queueJobDurationSeconds.WithLabelValues(queue).Observe(d.Seconds())
}

// ObserveArtifact records a fetch artifact write result.
func ObserveArtifact(kind, result string) {
	fetchArtifactsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveCache records a result cache operation.
func ObserveCache(class, result string) {
	cacheOperationsTotal.WithLabelValues(class, result).Inc()
}

// ObserveWatchdogReaped records job records failed by the watchdog.
func ObserveWatchdogReaped(n int) {
	watchdogReapedTotal.Add(float64(n))
}

// IncActiveWorkers increments the active worker count for queue.
func IncActiveWorkers(queue string) {
	activeWorkers.WithLabelValues(queue).Inc()
}

// DecActiveWorkers decrements the active worker count for queue.
func DecActiveWorkers(queue string) {
	activeWorkers.WithLabelValues(queue).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
