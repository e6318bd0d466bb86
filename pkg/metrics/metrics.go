package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// API Metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Remote fetch metrics
	FetchRequestsTotal *prometheus.CounterVec
	FetchRetriesTotal  *prometheus.CounterVec
	FetchDuration      prometheus.Histogram

	// Ingestion Metrics
	IngestionRecordsTotal *prometheus.CounterVec
	IngestionErrorsTotal  *prometheus.CounterVec
	IngestionBatchSize    prometheus.Histogram
	CatchUpPassDuration   prometheus.Histogram
	CatchUpRestartsTotal  prometheus.Counter
	LastEntryTimestamp    *prometheus.GaugeVec

	// Freshness
	ServiceLive       prometheus.Gauge
	HealthChecksTotal *prometheus.CounterVec

	// Database Metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec
}

// NewCollector creates a new metrics collector registered on reg.
// A nil reg registers on the prometheus default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		APIRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by endpoint, method, and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APIRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"endpoint"},
		),

		APIErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors by type and endpoint",
			},
			[]string{"error_type", "endpoint"},
		),

		FetchRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_fetch_requests_total",
				Help:      "Remote day fetches by station and outcome",
			},
			[]string{"station", "outcome"}, // "ok", "rejected", "parse_error"
		),

		FetchRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_fetch_retries_total",
				Help:      "Remote fetch retries after connection failures",
			},
			[]string{"station"},
		),

		FetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_fetch_duration_seconds",
				Help:      "Duration of a single remote day fetch including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		IngestionRecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_records_written_total",
				Help:      "Total number of records written by station",
			},
			[]string{"station"},
		),

		IngestionErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_errors_total",
				Help:      "Total number of ingestion errors by kind",
			},
			[]string{"kind"},
		),

		IngestionBatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingestion_batch_size",
				Help:      "Number of records per write batch",
				Buckets:   []float64{1, 10, 50, 144, 500, 1000, 5000, 10000},
			},
		),

		CatchUpPassDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "catchup_pass_duration_seconds",
				Help:      "Duration of one catch-up pass over all stations",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),

		CatchUpRestartsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catchup_restarts_total",
				Help:      "Number of times the polling loop was restarted after a failure",
			},
		),

		LastEntryTimestamp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_entry_timestamp_seconds",
				Help:      "Unix time of the most recently stored record per station",
			},
			[]string{"station"},
		),

		ServiceLive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_live",
				Help:      "1 when the store is live and advancing, 0 otherwise",
			},
		),

		HealthChecksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Health checks by result",
			},
			[]string{"result"},
		),

		DBQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 2},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordAPIError increments API error counter
func (c *Collector) RecordAPIError(errorType, endpoint string) {
	c.APIErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// RecordFetch increments the remote fetch counter
func (c *Collector) RecordFetch(station, outcome string) {
	c.FetchRequestsTotal.WithLabelValues(station, outcome).Inc()
}

// RecordIngestionError increments ingestion error counter
func (c *Collector) RecordIngestionError(kind string) {
	c.IngestionErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordWrite accounts a successful write batch for a station
func (c *Collector) RecordWrite(station string, count int, last time.Time) {
	c.IngestionBatchSize.Observe(float64(count))
	c.IngestionRecordsTotal.WithLabelValues(station).Add(float64(count))
	c.LastEntryTimestamp.WithLabelValues(station).Set(float64(last.Unix()))
}

// SetLive sets the liveness gauge
func (c *Collector) SetLive(live bool) {
	if live {
		c.ServiceLive.Set(1)
		return
	}
	c.ServiceLive.Set(0)
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
