// Package telemetry owns the Prometheus collectors for the RCM server: HTTP
// traffic, claim transitions, clearinghouse calls, remittance application,
// periodic jobs and collection tasks.
//
// All recording methods are safe on a nil *Metrics so components can be
// constructed without instrumentation in tests.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rcm"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
	transitions    *prometheus.CounterVec
	chCalls        *prometheus.CounterVec
	chRetries      *prometheus.CounterVec
	chLatency      *prometheus.HistogramVec
	remitRecords   *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	collectionRuns *prometheus.CounterVec
	agingBalance   *prometheus.GaugeVec
	denials        *prometheus.CounterVec
}

// New builds the collectors on a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claim_transitions_total",
			Help: "Claim state transitions by source and target status.",
		}, []string{"from", "to"}),
		chCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "clearinghouse_calls_total",
			Help: "Clearinghouse operations by outcome (ok, rejected, transient, exhausted).",
		}, []string{"op", "result"}),
		chRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "clearinghouse_retries_total",
			Help: "Clearinghouse retry attempts after a transient failure.",
		}, []string{"op"}),
		chLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "clearinghouse_call_duration_seconds",
			Help:    "Latency of a single clearinghouse attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		remitRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "remittance_records_total",
			Help: "ERA records by application result.",
		}, []string{"result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Periodic job runs by job and result (ok, error, skipped).",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Periodic job duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		collectionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "collection_tasks_processed_total",
			Help: "Collection tasks processed by action type and resulting status.",
		}, []string{"action", "status"}),
		agingBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ar_outstanding_balance",
			Help: "Outstanding AR balance per aging bucket at the last analysis.",
		}, []string{"bucket"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "denials_total",
			Help: "Denials recorded by category.",
		}, []string{"category"}),
	}

	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.httpInFlight,
		m.transitions, m.chCalls, m.chRetries, m.chLatency,
		m.remitRecords, m.jobRuns, m.jobDuration,
		m.collectionRuns, m.agingBalance, m.denials,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency keyed by the echo route
// pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInFlight.Inc()
			start := time.Now()

			err := next(c)

			m.httpInFlight.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) ClaimTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ClearinghouseCall(op, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.chCalls.WithLabelValues(op, result).Inc()
	m.chLatency.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) ClearinghouseRetry(op string) {
	if m == nil {
		return
	}
	m.chRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) RemittanceRecord(result string) {
	if m == nil {
		return
	}
	m.remitRecords.WithLabelValues(result).Inc()
}

func (m *Metrics) JobRun(job, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) CollectionTask(action, status string) {
	if m == nil {
		return
	}
	m.collectionRuns.WithLabelValues(action, status).Inc()
}

func (m *Metrics) AgingBalance(bucket string, balance float64) {
	if m == nil {
		return
	}
	m.agingBalance.WithLabelValues(bucket).Set(balance)
}

func (m *Metrics) Denial(category string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(category).Inc()
}
