package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	failuresTotal    *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	saturatedSamples prometheus.Counter
	personRatio      prometheus.Histogram
	outputBytes      prometheus.Counter
	webhookFailures  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartoonify_worker_jobs_total",
			Help: "Total worker jobs by outcome.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartoonify_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartoonify_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2.5, 10),
		}, []string{"stage"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartoonify_pipeline_failures_total",
			Help: "Pipeline failures by stage and whether they were retryable.",
		}, []string{"stage", "retryable"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cartoonify_worker_active_jobs",
			Help: "Current number of active processing jobs in the worker.",
		}),
		saturatedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartoonify_cartoon_saturated_samples_total",
			Help: "Cartoon model output samples clipped to the 0..255 range.",
		}),
		personRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cartoonify_person_pixel_ratio",
			Help:    "Fraction of each output frame covered by the person mask.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartoonify_worker_output_bytes_total",
			Help: "Total encoded bytes published by the worker.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartoonify_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.stageDuration,
		m.failuresTotal,
		m.activeJobs,
		m.saturatedSamples,
		m.personRatio,
		m.outputBytes,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
