package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dumpsearch"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	files        *prometheus.CounterVec
	records      prometheus.Counter
	retries      prometheus.Counter
	cache        *prometheus.CounterVec
	downloaded   prometheus.Counter
	pages        prometheus.Counter
	fileDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files processed by terminal status",
		}, []string{"status"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records emitted by decode workers",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts scheduled",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		downloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written into the cache",
		}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_pages_total",
			Help:      "Catalog pages requested",
		}),
		fileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_duration_seconds",
			Help:      "Time spent on one file including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
	}

	m.registry.MustRegister(m.files, m.records, m.retries, m.cache, m.downloaded, m.pages, m.fileDuration)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FileDone(success bool, d time.Duration) {
	if m == nil {
		return
	}

	status := "failed"
	if success {
		status = "succeeded"
	}

	m.files.WithLabelValues(status).Inc()
	m.fileDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) Records(n int) {
	if m == nil {
		return
	}

	m.records.Add(float64(n))
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}

	m.retries.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}

	m.cache.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}

	m.cache.WithLabelValues("miss").Inc()
}

func (m *Metrics) Downloaded(n int64) {
	if m == nil {
		return
	}

	m.downloaded.Add(float64(n))
}

func (m *Metrics) PageFetched() {
	if m == nil {
		return
	}

	m.pages.Inc()
}
