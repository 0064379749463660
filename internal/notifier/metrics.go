package notifier

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry   *prometheus.Registry
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_webhook_deliveries_total",
			Help: "Webhook delivery attempts by event and outcome.",
		}, []string{"event", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaflow_webhook_delivery_duration_seconds",
			Help:    "Time spent delivering one webhook, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_webhook_deliveries_in_flight",
			Help: "Webhook deliveries currently being sent.",
		}),
	}

	registry.MustRegister(m.deliveries, m.duration, m.inFlight)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
