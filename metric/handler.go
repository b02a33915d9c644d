package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns an HTTP handler serving the registry in Prometheus
// exposition format. Mounted on the service control mux.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
