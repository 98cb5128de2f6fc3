// Package metrics exposes extraction metrics on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/logtt/internal/model"
)

const namespace = "logtt"

// Collector holds every metric of the process. A nil *Collector is valid
// and records nothing.
type Collector struct {
	// Source metrics
	LinesRead    *prometheus.CounterVec
	LinesSkipped *prometheus.CounterVec

	// Pipeline metrics
	ParseFailures    *prometheus.CounterVec
	RecordsCommitted prometheus.Counter
	TemplatesCreated prometheus.Counter

	// Job metrics
	JobsActive   prometheus.Gauge
	JobOutcomes  *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobFailRatio prometheus.Histogram

	registry *prometheus.Registry
}

// NewCollector creates a collector on its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{registry: registry}
	c.initSourceMetrics()
	c.initPipelineMetrics()
	c.initJobMetrics()
	return c
}

func (c *Collector) initSourceMetrics() {
	c.LinesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines_read_total",
			Help:      "Total number of raw lines delivered by log sources",
		},
		[]string{"protocol"},
	)

	c.LinesSkipped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines_skipped_total",
			Help:      "Total number of undecodable lines dropped by log sources",
		},
		[]string{"protocol"},
	)
}

func (c *Collector) initPipelineMetrics() {
	c.ParseFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "failures_total",
			Help:      "Total number of lines that did not match their format",
		},
		[]string{"format"},
	)

	c.RecordsCommitted = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records_committed_total",
			Help:      "Total number of structured records written to the result store",
		},
	)

	c.TemplatesCreated = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extractor",
			Name:      "templates_created_total",
			Help:      "Total number of templates created across runs",
		},
	)
}

func (c *Collector) initJobMetrics() {
	c.JobsActive = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "active",
			Help:      "Number of extraction jobs currently running",
		},
	)

	c.JobOutcomes = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "outcomes_total",
			Help:      "Extraction runs by terminal status",
		},
		[]string{"status"},
	)

	c.JobDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Extraction run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"status"},
	)

	c.JobFailRatio = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "parse_failure_ratio",
			Help:      "Share of lines per run that did not match the format",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
		},
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveLines records lines read and skipped by a source.
func (c *Collector) ObserveLines(protocol model.Protocol, read, skipped int64) {
	if c == nil {
		return
	}
	if read > 0 {
		c.LinesRead.WithLabelValues(string(protocol)).Add(float64(read))
	}
	if skipped > 0 {
		c.LinesSkipped.WithLabelValues(string(protocol)).Add(float64(skipped))
	}
}

// ObserveParseFailures records lines that fell back to message-only records.
func (c *Collector) ObserveParseFailures(format string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.ParseFailures.WithLabelValues(format).Add(float64(n))
}

// ObserveCommit records a committed batch.
func (c *Collector) ObserveCommit(rows int) {
	if c == nil {
		return
	}
	c.RecordsCommitted.Add(float64(rows))
}

// ObserveTemplates records newly created templates.
func (c *Collector) ObserveTemplates(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.TemplatesCreated.Add(float64(n))
}

// JobStarted marks a run as active.
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.JobsActive.Inc()
}

// JobFinished records the terminal outcome of a run.
func (c *Collector) JobFinished(status model.Status, took time.Duration, failureRatio float64) {
	if c == nil {
		return
	}
	c.JobsActive.Dec()
	c.JobOutcomes.WithLabelValues(string(status)).Inc()
	c.JobDuration.WithLabelValues(string(status)).Observe(took.Seconds())
	c.JobFailRatio.Observe(failureRatio)
}
