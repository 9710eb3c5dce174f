package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "isapigw"

// DefaultBuckets are the request duration buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 60.0}

// Breaker states as exported by the breaker_state gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Collector holds the server's Prometheus metrics. All methods are safe on a
// nil *Collector so callers can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	extensionLoads    *prometheus.CounterVec
	extensionsLoaded  prometheus.Gauge
	unsupportedCalls  *prometheus.CounterVec
	completionTimeout *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	redirects         prometheus.Counter
}

// NewCollector creates a collector registered on its own registry, along
// with the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by extensions, by final status.",
		}, []string{"extension", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to completion of an extension request.",
			Buckets:   DefaultBuckets,
		}, []string{"extension"}),
		extensionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_loads_total",
			Help:      "Extension load attempts, by result.",
		}, []string{"result"}),
		extensionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extensions_loaded",
			Help:      "Extensions currently resident.",
		}),
		unsupportedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsupported_calls_total",
			Help:      "ServerSupportFunction calls with an unsupported request code.",
		}, []string{"code"}),
		completionTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_timeouts_total",
			Help:      "Pending requests that never signalled completion in time.",
		}, []string{"extension"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per extension: 0 closed, 1 open, 2 half-open.",
		}, []string{"extension"}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "internal_redirects_total",
			Help:      "Internal redirects issued by extensions.",
		}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.extensionLoads,
		c.extensionsLoaded,
		c.unsupportedCalls,
		c.completionTimeout,
		c.breakerState,
		c.redirects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordRequest records a completed extension request
func (c *Collector) RecordRequest(extension string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(extension, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(extension).Observe(duration.Seconds())
}

// RecordLoad records an extension load attempt.
func (c *Collector) RecordLoad(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.extensionLoads.WithLabelValues(result).Inc()
}

// SetLoaded sets the number of resident extensions.
func (c *Collector) SetLoaded(n int) {
	if c == nil {
		return
	}
	c.extensionsLoaded.Set(float64(n))
}

// RecordUnsupported counts an unsupported support-function request code.
func (c *Collector) RecordUnsupported(code uint32) {
	if c == nil {
		return
	}
	c.unsupportedCalls.WithLabelValues(strconv.FormatUint(uint64(code), 10)).Inc()
}

// RecordCompletionTimeout counts a pending request that timed out.
func (c *Collector) RecordCompletionTimeout(extension string) {
	if c == nil {
		return
	}
	c.completionTimeout.WithLabelValues(extension).Inc()
}

// SetBreakerState sets the circuit breaker state for an extension
func (c *Collector) SetBreakerState(extension string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(extension).Set(float64(state))
}

// RecordRedirect counts an internal redirect.
func (c *Collector) RecordRedirect() {
	if c == nil {
		return
	}
	c.redirects.Inc()
}

// Handler serves the collector in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
