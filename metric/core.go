package metric

import "github.com/prometheus/client_golang/prometheus"

// CoreMetrics are the pipeline-wide metrics that exist regardless of which
// components are wired in.
type CoreMetrics struct {
	ServiceStatus      prometheus.Gauge
	EventsIngested     *prometheus.CounterVec
	UpdatesDelivered   prometheus.Counter
	BatchesFlushed     prometheus.Counter
	ProcessingDuration prometheus.Histogram
	ErrorsTotal        *prometheus.CounterVec
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ServiceStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "showito_service_up",
			Help: "1 while the real-time service is running",
		}),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showito_events_ingested_total",
			Help: "Raw events accepted for processing, by kind",
		}, []string{"kind"}),
		UpdatesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "showito_updates_delivered_total",
			Help: "Processed updates delivered to subscribers",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "showito_batches_flushed_total",
			Help: "Batches flushed to subscribers",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "showito_processing_duration_seconds",
			Help:    "Time from ingest to batch delivery",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showito_errors_total",
			Help: "Errors by component and class",
		}, []string{"component", "class"}),
	}
}
