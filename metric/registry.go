// Package metric wraps a private Prometheus registry so every component
// registers its metrics under a service-qualified key and duplicates are
// caught at registration time rather than at scrape time.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/showito/realtime/errors"
)

// MetricsRegistry manages registration and lifecycle of pipeline metrics.
// Components accept a *MetricsRegistry that may be nil; nil disables metrics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Core               *CoreMetrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a registry preloaded with the core pipeline
// metrics and Go runtime collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.Core = newCoreMetrics()
	r.prometheusRegistry.MustRegister(
		r.Core.ServiceStatus,
		r.Core.EventsIngested,
		r.Core.UpdatesDelivered,
		r.Core.BatchesFlushed,
		r.Core.ProcessingDuration,
		r.Core.ErrorsTotal,
	)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// RegisterCounter registers a counter under service.metric.
func (r *MetricsRegistry) RegisterCounter(service, name string, c prometheus.Counter) error {
	return r.register(service, name, c, "RegisterCounter")
}

// RegisterGauge registers a gauge under service.metric.
func (r *MetricsRegistry) RegisterGauge(service, name string, g prometheus.Gauge) error {
	return r.register(service, name, g, "RegisterGauge")
}

// RegisterHistogram registers a histogram under service.metric.
func (r *MetricsRegistry) RegisterHistogram(service, name string, h prometheus.Histogram) error {
	return r.register(service, name, h, "RegisterHistogram")
}

// RegisterCounterVec registers a labeled counter under service.metric.
func (r *MetricsRegistry) RegisterCounterVec(service, name string, cv *prometheus.CounterVec) error {
	return r.register(service, name, cv, "RegisterCounterVec")
}

// RegisterGaugeVec registers a labeled gauge under service.metric.
func (r *MetricsRegistry) RegisterGaugeVec(service, name string, gv *prometheus.GaugeVec) error {
	return r.register(service, name, gv, "RegisterGaugeVec")
}

func (r *MetricsRegistry) register(service, name string, c prometheus.Collector, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", service, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for service %s", name, service),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", method,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", method, "prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a metric from the registry.
func (r *MetricsRegistry) Unregister(service, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", service, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	if r.prometheusRegistry.Unregister(c) {
		delete(r.registered, key)
		return true
	}
	return false
}
