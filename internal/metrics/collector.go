// Package metrics exposes control plane counters and gauges in
// Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atrium"

// Collector owns the process registry and the domain instruments the
// control plane records into. Safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	enqueuesTotal   *prometheus.CounterVec
	commandsWritten *prometheus.CounterVec
	safetyTrips     *prometheus.CounterVec
	leadChanges     *prometheus.CounterVec
	batchRuns       *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewCollector creates a Collector with its own registry, Go runtime and
// process collectors included.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs processed by the worker pools, by outcome.",
		}, []string{"location_id", "equipment_type", "outcome"}),

		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time spent evaluating one job.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
		}, []string{"equipment_type"}),

		jobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being evaluated across all pools.",
		}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending jobs in each location queue.",
		}, []string{"location_id"}),

		enqueuesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueues_total",
			Help:      "Enqueue attempts, split by whether the job key was already queued.",
		}, []string{"location_id", "outcome"}),

		commandsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_written_total",
			Help:      "Equipment command points written to the time-series store.",
		}, []string{"source", "status"}),

		safetyTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_trips_total",
			Help:      "Safety condition evaluations that forced a conservative output.",
		}, []string{"equipment_type"}),

		leadChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lead_changes_total",
			Help:      "Lead-lag lead reassignments (rotation, failover, seed).",
		}, []string{"location_id"}),

		batchRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Fleet batch passes, by outcome.",
		}, []string{"outcome"}),

		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of a full fleet batch pass.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests, by route and status code.",
		}, []string{"route", "method", "code"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// RecordJob records one finished job. outcome is "completed", "retried"
// or "failed".
func (c *Collector) RecordJob(locationID, equipmentType, outcome string, seconds float64) {
	c.jobsTotal.WithLabelValues(locationID, equipmentType, outcome).Inc()
	c.jobDuration.WithLabelValues(equipmentType).Observe(seconds)
}

// JobStarted bumps the in-flight gauge.
func (c *Collector) JobStarted() { c.jobsInFlight.Inc() }

// JobFinished drops the in-flight gauge.
func (c *Collector) JobFinished() { c.jobsInFlight.Dec() }

// SetQueueDepth publishes the pending depth of one location queue.
func (c *Collector) SetQueueDepth(locationID string, depth float64) {
	c.queueDepth.WithLabelValues(locationID).Set(depth)
}

// RecordEnqueue records an enqueue attempt. outcome is "queued" or
// "deduped".
func (c *Collector) RecordEnqueue(locationID, outcome string) {
	c.enqueuesTotal.WithLabelValues(locationID, outcome).Inc()
}

// RecordCommandWrites counts command points accepted by the gateway.
func (c *Collector) RecordCommandWrites(source, status string, n int) {
	if n <= 0 {
		return
	}
	c.commandsWritten.WithLabelValues(source, status).Add(float64(n))
}

// RecordSafetyTrip counts a safety condition firing for one equipment type.
func (c *Collector) RecordSafetyTrip(equipmentType string) {
	c.safetyTrips.WithLabelValues(equipmentType).Inc()
}

// RecordLeadChange counts a lead reassignment at a location.
func (c *Collector) RecordLeadChange(locationID string) {
	c.leadChanges.WithLabelValues(locationID).Inc()
}

// RecordBatchRun records one fleet pass. outcome is "completed" or
// "skipped".
func (c *Collector) RecordBatchRun(outcome string, seconds float64) {
	c.batchRuns.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		c.batchDuration.Observe(seconds)
	}
}

// RecordHTTPRequest records one API request.
func (c *Collector) RecordHTTPRequest(route, method string, code int, seconds float64) {
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(seconds)
}

// Registry returns the underlying registry for additional registrations.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
