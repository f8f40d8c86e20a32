package prometheus

import (
	"time"

	"coinsync/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Backend
	backendCalls   *prometheus.CounterVec
	backendErrors  *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Pool
	poolDials *prometheus.CounterVec

	// Async writer
	queueDepth  *prometheus.GaugeVec
	droppedJobs *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobAttempts *prometheus.HistogramVec
	jobLatency  *prometheus.HistogramVec

	// Consistency
	desyncs     *prometheus.CounterVec
	replication *prometheus.CounterVec

	// Ledger
	ledgerAppends *prometheus.CounterVec
	ledgerLatency prometheus.Histogram
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	pc := &PrometheusCollector{
		namespace: namespace,
		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of storage backend calls per operation",
			},
			[]string{"backend", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed storage backend calls per operation",
			},
			[]string{"backend", "operation"},
		),
		backendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Storage backend call latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
			},
			[]string{"backend", "operation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_opens_total",
				Help:      "Total number of times the circuit breaker opened",
			},
			[]string{"backend"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		poolDials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_dials_total",
				Help:      "Total number of connections dialed by the pool",
			},
			[]string{"pool", "kind", "status"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "writer_queue_depth",
				Help:      "Current number of pending writer jobs",
			},
			[]string{"queue"},
		),
		droppedJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writer_dropped_jobs_total",
				Help:      "Total number of writer jobs dropped due to backpressure",
			},
			[]string{"queue"},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writer_jobs_total",
				Help:      "Total number of writer jobs by kind and status",
			},
			[]string{"queue", "kind", "status"},
		),
		jobAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "writer_job_attempts",
				Help:      "Attempts spent per writer job",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
			[]string{"queue", "kind"},
		),
		jobLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "writer_job_duration_seconds",
				Help:      "Writer job latency including retries",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"queue", "kind"},
		),
		desyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_desync_total",
				Help:      "Total number of balance writes that exhausted their retries",
			},
			[]string{"currency", "stage"},
		),
		replication: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replication_messages_total",
				Help:      "Total number of inbound replication messages by outcome",
			},
			[]string{"currency", "outcome"},
		),
		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_appends_total",
				Help:      "Total number of ledger appends by status",
			},
			[]string{"status"},
		),
		ledgerLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_append_duration_seconds",
				Help:      "Ledger append latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
		),
	}

	return pc
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.backendCalls,
		pc.backendErrors,
		pc.backendLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.poolDials,
		pc.queueDepth,
		pc.droppedJobs,
		pc.jobs,
		pc.jobAttempts,
		pc.jobLatency,
		pc.desyncs,
		pc.replication,
		pc.ledgerAppends,
		pc.ledgerLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordBackendCall records a storage backend call.
func (pc *PrometheusCollector) RecordBackendCall(backend, operation string, success bool, duration time.Duration) {
	pc.backendCalls.WithLabelValues(backend, operation).Inc()
	if !success {
		pc.backendErrors.WithLabelValues(backend, operation).Inc()
	}
	pc.backendLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(backend).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(backend).Inc()
	}
}

// RecordPoolDial records a connection dial.
func (pc *PrometheusCollector) RecordPoolDial(pool string, overflow bool, success bool) {
	kind := "slot"
	if overflow {
		kind = "overflow"
	}
	pc.poolDials.WithLabelValues(pool, kind, status(success)).Inc()
}

// RecordQueueDepth records the current writer queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(queue string, depth int) {
	pc.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordJobDropped records a job rejected by backpressure.
func (pc *PrometheusCollector) RecordJobDropped(queue string) {
	pc.droppedJobs.WithLabelValues(queue).Inc()
}

// RecordJob records a completed writer job.
func (pc *PrometheusCollector) RecordJob(queue, kind string, success bool, attempts int, duration time.Duration) {
	pc.jobs.WithLabelValues(queue, kind, status(success)).Inc()
	pc.jobAttempts.WithLabelValues(queue, kind).Observe(float64(attempts))
	pc.jobLatency.WithLabelValues(queue, kind).Observe(duration.Seconds())
}

// RecordDesync records a write that exhausted its retries.
func (pc *PrometheusCollector) RecordDesync(currency, stage string) {
	pc.desyncs.WithLabelValues(currency, stage).Inc()
}

// RecordReplication records the outcome of an inbound replication message.
func (pc *PrometheusCollector) RecordReplication(currency string, outcome metrics.ReplicationOutcome) {
	pc.replication.WithLabelValues(currency, string(outcome)).Inc()
}

// RecordLedgerAppend records a ledger append.
func (pc *PrometheusCollector) RecordLedgerAppend(success bool, duration time.Duration) {
	pc.ledgerAppends.WithLabelValues(status(success)).Inc()
	pc.ledgerLatency.Observe(duration.Seconds())
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
