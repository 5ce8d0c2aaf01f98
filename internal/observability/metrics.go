package observability

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "delivery_engine"

// MetricsSink is the narrow metrics port used by the delivery components.
type MetricsSink interface {
	RecordLatency(name string, ms float64)
	IncrementCounter(name string, n float64)
	RecordError(name, message string, fields map[string]string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordLatency(string, float64)                 {}
func (NopMetrics) IncrementCounter(string, float64)              {}
func (NopMetrics) RecordError(string, string, map[string]string) {}

var _ MetricsSink = (*Metrics)(nil)

// Metrics is the Prometheus backed MetricsSink. Metric names become label values so the
// set of series stays bounded by the names components emit.
type Metrics struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	operationLatency    *prometheus.HistogramVec
	eventsTotal         *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
}

func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		operationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_latency_milliseconds",
				Help:      "Latency of provider sends, webhook attempts and batch dispatches in milliseconds.",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 14),
			},
			[]string{"name"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Counters emitted by delivery components, by name.",
			},
			[]string{"name"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Errors recorded by delivery components, by name.",
			},
			[]string{"name"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.operationLatency,
		m.eventsTotal,
		m.errorsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) RecordLatency(name string, ms float64) {
	if m == nil {
		return
	}
	if ms < 0 {
		ms = 0
	}
	m.operationLatency.WithLabelValues(normalizeName(name)).Observe(ms)
}

func (m *Metrics) IncrementCounter(name string, n float64) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsTotal.WithLabelValues(normalizeName(name)).Add(n)
}

// RecordError counts the error and logs message with fields, which are too high
// cardinality for labels.
func (m *Metrics) RecordError(name, message string, fields map[string]string) {
	if m == nil {
		return
	}
	label := normalizeName(name)
	m.errorsTotal.WithLabelValues(label).Inc()

	logFields := make([]zap.Field, 0, len(fields)+2)
	logFields = append(logFields, zap.String("metric", label), zap.String("error", message))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		logFields = append(logFields, zap.String(k, fields[k]))
	}
	m.logger.Warn("component error recorded", logFields...)
}

// Since returns the elapsed milliseconds since start, for RecordLatency.
func Since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
