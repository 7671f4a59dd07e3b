// Package metrics exposes Prometheus collectors for the credit service.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const namespace = "credits"

// Metrics implements generation.Observer and ledger.OperationLogger.
type Metrics struct {
	registry *prometheus.Registry

	generationAttempts  *prometheus.CounterVec
	keyRotations        *prometheus.CounterVec
	generationRefunds   *prometheus.CounterVec
	ledgerOperations    *prometheus.CounterVec
	ledgerCredits       *prometheus.CounterVec
	jobRuns             *prometheus.CounterVec
	jobLastRunUnix      *prometheus.GaugeVec
	jobAffected         *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		generationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "attempts_total",
				Help:      "Provider attempts partitioned by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		keyRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keypool",
				Name:      "rotations_total",
				Help:      "Credential rotations caused by transient provider failures.",
			},
			[]string{"operation"},
		),
		generationRefunds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "refunds_total",
				Help:      "Charges returned after failed or cancelled generations.",
			},
			[]string{"operation"},
		),
		ledgerOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by operation and status.",
			},
			[]string{"operation", "status"},
		),
		ledgerCredits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Credits moved by successful grant, deduct and refund operations.",
			},
			[]string{"operation"},
		),
		jobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "runs_total",
				Help:      "Background job runs partitioned by job and result.",
			},
			[]string{"job", "result"},
		),
		jobLastRunUnix: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent run per job.",
			},
			[]string{"job"},
		),
		jobAffected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "affected_total",
				Help:      "Records changed by background jobs.",
			},
			[]string{"job"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests partitioned by route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

func (metrics *Metrics) ObserveAttempt(operation string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.generationAttempts.WithLabelValues(operation, outcome).Inc()
}

func (metrics *Metrics) ObserveRotation(operation string) {
	if metrics == nil {
		return
	}
	metrics.keyRotations.WithLabelValues(operation).Inc()
}

func (metrics *Metrics) ObserveRefund(operation string) {
	if metrics == nil {
		return
	}
	metrics.generationRefunds.WithLabelValues(operation).Inc()
}

// LogOperation counts ledger operations.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if metrics == nil {
		return
	}
	metrics.ledgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Status == ledger.StatusOK && entry.Amount > 0 {
		metrics.ledgerCredits.WithLabelValues(entry.Operation).Add(float64(entry.Amount))
	}
}

// ObserveJob records one background job run.
func (metrics *Metrics) ObserveJob(job string, affected int64, err error) {
	if metrics == nil {
		return
	}
	metrics.jobLastRunUnix.WithLabelValues(job).Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		metrics.jobRuns.WithLabelValues(job, "error").Inc()
		return
	}
	metrics.jobRuns.WithLabelValues(job, "success").Inc()
	if affected > 0 {
		metrics.jobAffected.WithLabelValues(job).Add(float64(affected))
	}
}

// ObserveRequest records one served HTTP request.
func (metrics *Metrics) ObserveRequest(method string, route string, code int, elapsed time.Duration) {
	if metrics == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	metrics.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	metrics.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
