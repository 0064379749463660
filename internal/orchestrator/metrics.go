package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry       *prometheus.Registry
	submitted      *prometheus.CounterVec
	finished       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	running        prometheus.Gauge
	queued         prometheus.Gauge
	progressEvents prometheus.Counter
	cancellations  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	m := &metrics{
		registry: registry,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_jobs_submitted_total",
			Help: "Total download jobs accepted, by format.",
		}, []string{"format"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_jobs_finished_total",
			Help: "Total download jobs that reached a terminal state, by format and status.",
		}, []string{"format", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaflow_job_duration_seconds",
			Help:    "Time from dispatch to terminal state for each execution.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"format", "status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_jobs_running",
			Help: "Download jobs currently executing.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_jobs_queued",
			Help: "Download jobs waiting for a free slot.",
		}),
		progressEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_progress_events_total",
			Help: "Progress events recorded and republished.",
		}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_job_cancellations_total",
			Help: "Cancel requests by the state the job was in and how it ended.",
		}, []string{"mode"}),
	}

	registry.MustRegister(
		m.submitted,
		m.finished,
		m.duration,
		m.running,
		m.queued,
		m.progressEvents,
		m.cancellations,
	)
	return m
}
