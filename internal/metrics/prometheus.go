package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quill"

// PrometheusRecorder exports Recorder events as Prometheus collectors.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	completionsCreated  prometheus.Counter
	completionsReplayed prometheus.Counter
	completionsRejected *prometheus.CounterVec
	upstreamFailures    prometheus.Counter
	costLost            prometheus.Counter
	tokensSpent         prometheus.Counter
	providerDuration    prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheus creates a recorder with its own registry, including the Go
// runtime and process collectors.
func NewPrometheus() *PrometheusRecorder {
	p := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),

		completionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completions",
			Name:      "created_total",
			Help:      "Completions persisted after a successful provider call.",
		}),
		completionsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completions",
			Name:      "replayed_total",
			Help:      "Submissions answered from an existing completion with the same request ID.",
		}),
		completionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completions",
			Name:      "rejected_total",
			Help:      "Submissions rejected before reaching the provider.",
		}, []string{"reason"}),
		upstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "failures_total",
			Help:      "Failed calls to the completion provider.",
		}),
		costLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completions",
			Name:      "cost_lost_total",
			Help:      "Provider answers discarded because the database commit failed.",
		}),
		tokensSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tokens_spent_total",
			Help:      "Tokens deducted from user balances.",
		}),
		providerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Duration of completion provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"method", "route"}),
	}

	p.registry.MustRegister(
		p.completionsCreated,
		p.completionsReplayed,
		p.completionsRejected,
		p.upstreamFailures,
		p.costLost,
		p.tokensSpent,
		p.providerDuration,
		p.httpRequests,
		p.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return p
}

// Handler exposes the registry in the Prometheus text format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusRecorder) IncCompletionCreated() { p.completionsCreated.Inc() }
func (p *PrometheusRecorder) IncCompletionReplayed() { p.completionsReplayed.Inc() }
func (p *PrometheusRecorder) IncUpstreamFailure() { p.upstreamFailures.Inc() }
func (p *PrometheusRecorder) IncCompletionCostLost() { p.costLost.Inc() }

func (p *PrometheusRecorder) IncCompletionRejected(reason string) {
	p.completionsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) AddTokensSpent(tokens int) {
	if tokens > 0 {
		p.tokensSpent.Add(float64(tokens))
	}
}

func (p *PrometheusRecorder) ObserveProviderDuration(duration time.Duration) {
	p.providerDuration.Observe(duration.Seconds())
}

// ObserveHTTPRequest records a handled request. route should be the matched
// route pattern, not the raw path, to keep label cardinality bounded.
func (p *PrometheusRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
