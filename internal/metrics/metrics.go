package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the retrieval metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Query metrics
	QueryTotal    *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	CacheTotal    *prometheus.CounterVec

	// Download metrics
	BackfillTotal   *prometheus.CounterVec
	ItemTotal       *prometheus.CounterVec
	DatasetTotal    *prometheus.CounterVec
	DatasetBytes    prometheus.Counter
	StorageDuration *prometheus.HistogramVec

	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPPanicTotal      prometheus.Counter
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the metrics registered on the default prometheus registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the metrics and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trolley_queries_total",
			Help: "Total number of searcher queries sent to a backend",
		}, []string{"status"}),

		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trolley_query_duration_seconds",
			Help:    "Backend query duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		CacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trolley_query_cache_total",
			Help: "Query cache lookups by result (hit, miss, shared, bypass)",
		}, []string{"result"}),

		BackfillTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trolley_backfills_total",
			Help: "Total number of backfill queries issued for under-specified items",
		}, []string{"level", "status"}),

		ItemTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trolley_items_total",
			Help: "Download work items by final state",
		}, []string{"state"}),

		DatasetTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trolley_datasets_total",
			Help: "Datasets handled by the engine by outcome",
		}, []string{"outcome"}),

		DatasetBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trolley_dataset_bytes_total",
			Help: "Bytes of stored datasets, where the size is known",
		}),

		StorageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trolley_storage_duration_seconds",
			Help:    "Storage save duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		HTTPPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panics_total",
			Help: "Handler panics recovered by the server",
		}),
	}

	reg.MustRegister(
		m.QueryTotal,
		m.QueryDuration,
		m.CacheTotal,
		m.BackfillTotal,
		m.ItemTotal,
		m.DatasetTotal,
		m.DatasetBytes,
		m.StorageDuration,
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
		m.HTTPPanicTotal,
	)
	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveQuery records one backend query
func (m *Metrics) ObserveQuery(d time.Duration, err error) {
	if m == nil {
		return
	}
	s := status(err)
	m.QueryTotal.WithLabelValues(s).Inc()
	m.QueryDuration.WithLabelValues(s).Observe(d.Seconds())
}

// CacheLookup records a cache lookup result
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheTotal.WithLabelValues(result).Inc()
}

// Backfill records a backfill query at level
func (m *Metrics) Backfill(level string, err error) {
	if m == nil {
		return
	}
	m.BackfillTotal.WithLabelValues(level, status(err)).Inc()
}

// Item records the final state of a work item
func (m *Metrics) Item(state string) {
	if m == nil {
		return
	}
	m.ItemTotal.WithLabelValues(state).Inc()
}

// Dataset records a stored, skipped or failed dataset
func (m *Metrics) Dataset(outcome string, size int64) {
	if m == nil {
		return
	}
	m.DatasetTotal.WithLabelValues(outcome).Inc()
	if outcome == "stored" && size > 0 {
		m.DatasetBytes.Add(float64(size))
	}
}

// ObserveStorage records one storage save
func (m *Metrics) ObserveStorage(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StorageDuration.WithLabelValues(status(err)).Observe(d.Seconds())
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

// Panic records a recovered handler panic
func (m *Metrics) Panic() {
	if m == nil {
		return
	}
	m.HTTPPanicTotal.Inc()
}
