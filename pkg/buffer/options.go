package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/showito/realtime/metric"
)

// Option configures a buffer at construction time.
type Option[T any] func(*circular[T])

// WithOverflowPolicy sets the behavior when Write finds the buffer full.
// The default is DropOldest.
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(b *circular[T]) {
		b.policy = p
	}
}

// WithDropCallback invokes fn with each item dropped by the overflow policy.
// fn runs while the buffer lock is held; keep it cheap.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(b *circular[T]) {
		b.onDrop = fn
	}
}

type bufferMetrics struct {
	depth   prometheus.Gauge
	written prometheus.Counter
	read    prometheus.Counter
	dropped prometheus.Counter
}

// WithMetrics registers depth/written/read/dropped metrics for this buffer
// under the given prefix. A nil registry disables metrics.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(b *circular[T]) {
		if registry == nil || prefix == "" {
			return
		}

		m := &bufferMetrics{
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_buffer_depth",
				Help: "Current number of buffered items",
			}),
			written: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_buffer_written_total",
				Help: "Items written to the buffer",
			}),
			read: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_buffer_read_total",
				Help: "Items read from the buffer",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_buffer_dropped_total",
				Help: "Items dropped by the overflow policy",
			}),
		}

		// Registration failures mean a duplicate prefix; run without metrics
		// rather than failing construction.
		if err := registry.RegisterGauge("buffer", prefix+"_buffer_depth", m.depth); err != nil {
			return
		}
		_ = registry.RegisterCounter("buffer", prefix+"_buffer_written_total", m.written)
		_ = registry.RegisterCounter("buffer", prefix+"_buffer_read_total", m.read)
		_ = registry.RegisterCounter("buffer", prefix+"_buffer_dropped_total", m.dropped)
		b.metrics = m
	}
}
