// Package processor implements the transform → throttle → batch → notify
// pipeline. A single mutex serializes all state transitions; batches are
// delivered in order, with each subscriber isolated in its own goroutine.
package processor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
	"github.com/showito/realtime/metric"
	"github.com/showito/realtime/pkg/buffer"
	"github.com/showito/realtime/transform"
)

// Default batching parameters.
const (
	DefaultMaxBatchSize  = 50
	DefaultMaxWaitTime   = time.Second
	DefaultQueueCapacity = 1000
)

// defaultThrottles are the per-update-type minimum intervals between
// accepted updates for the same entity.
var defaultThrottles = map[message.UpdateType]time.Duration{
	message.UpdatePrice:  5 * time.Second,
	message.UpdateVolume: 10 * time.Second,
	message.UpdateSale:   1 * time.Second,
	message.UpdateWhale:  2 * time.Second,
	message.UpdateAlert:  0,
}

// Config controls batching and queueing.
type Config struct {
	// MaxBatchSize bounds every delivered batch. Reaching it flushes
	// immediately.
	MaxBatchSize int `yaml:"max_batch_size" json:"maxBatchSize"`
	// MaxWaitTime bounds how long a queued update waits before delivery.
	MaxWaitTime time.Duration `yaml:"max_wait_time" json:"maxWaitTime"`
	// QueueCapacity bounds the update queue; overflow drops the oldest.
	QueueCapacity int `yaml:"queue_capacity" json:"queueCapacity"`
	// PriorityThreshold is accepted for compatibility with existing configs
	// but does not filter updates. See DESIGN.md.
	PriorityThreshold message.Priority `yaml:"priority_threshold" json:"priorityThreshold"`
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = DefaultMaxWaitTime
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.PriorityThreshold == 0 {
		c.PriorityThreshold = message.PriorityMedium
	}
}

// Subscriber receives each flushed batch, sorted by priority (desc) then
// timestamp (asc). The slice is shared between subscribers and must be
// treated as read-only. Callbacks must not call back into the Processor.
type Subscriber func(updates []message.Update)

// Stats is a point-in-time snapshot of processor state.
type Stats struct {
	QueueSize            int       `json:"queueSize"`
	SubscriberCount      int       `json:"subscriberCount"`
	LastProcessedTime    time.Time `json:"lastProcessedTime"`
	ThrottledEntityCount int       `json:"throttledEntityCount"`
}

type procMetrics struct {
	throttled         prometheus.Counter
	transformFailures prometheus.Counter
	subscriberPanics  prometheus.Counter
}

// Processor owns the update queue and subscriber registry.
type Processor struct {
	cfg      Config
	registry *transform.Registry
	logger   *slog.Logger

	mu          sync.Mutex
	queue       buffer.Buffer[message.Update]
	subscribers map[string]Subscriber
	lastUpdate  map[string]time.Time
	throttles   map[string]time.Duration
	flushTimer  *time.Timer
	lastFlush   time.Time
	stopped     bool

	core    *metric.CoreMetrics
	metrics *procMetrics
}

// Option configures a Processor at construction time.
type Option func(*Processor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics wires the processor into a metrics registry. Nil disables
// metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Processor) {
		if registry == nil {
			return
		}
		p.core = registry.Core

		m := &procMetrics{
			throttled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "showito_processor_throttled_total",
				Help: "Updates dropped by per-entity throttling",
			}),
			transformFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "showito_processor_transform_failures_total",
				Help: "Raw events rejected by transformers",
			}),
			subscriberPanics: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "showito_processor_subscriber_panics_total",
				Help: "Panics recovered in subscriber callbacks",
			}),
		}
		if err := registry.RegisterCounter("processor", "showito_processor_throttled_total", m.throttled); err != nil {
			return
		}
		_ = registry.RegisterCounter("processor", "showito_processor_transform_failures_total", m.transformFailures)
		_ = registry.RegisterCounter("processor", "showito_processor_subscriber_panics_total", m.subscriberPanics)
		p.metrics = m

		p.queue = buffer.New[message.Update](p.cfg.QueueCapacity,
			buffer.WithMetrics[message.Update](registry, "processor_updates"))
	}
}

// New creates a processor backed by the given transformer registry. A nil
// registry gets the built-in transformers.
func New(cfg Config, registry *transform.Registry, opts ...Option) *Processor {
	cfg.applyDefaults()
	if registry == nil {
		registry = transform.NewRegistry()
	}

	p := &Processor{
		cfg:         cfg,
		registry:    registry,
		logger:      slog.Default(),
		queue:       buffer.New[message.Update](cfg.QueueCapacity),
		subscribers: make(map[string]Subscriber),
		lastUpdate:  make(map[string]time.Time),
		throttles:   make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest transforms a raw event and queues the result. Throttled updates are
// dropped silently; transform failures return invalid-class errors. Critical
// updates and a full batch flush immediately.
func (p *Processor) Ingest(event message.RawEvent) error {
	update, err := p.registry.Transform(event.Kind, event.Payload)
	if err != nil {
		if p.metrics != nil {
			p.metrics.transformFailures.Inc()
		}
		p.logger.Warn("transform rejected event", "component", "processor", "kind", event.Kind, "error", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.WrapInvalid(errors.ErrNotStarted, "Processor", "Ingest", "processor stopped")
	}

	now := time.Now()
	key := update.EntityKey()
	if p.throttledLocked(key, update.Type, now) {
		if p.metrics != nil {
			p.metrics.throttled.Inc()
		}
		return nil
	}
	p.lastUpdate[key] = now

	if err := p.queue.Write(update); err != nil {
		return errors.WrapTransient(err, "Processor", "Ingest", "queueing update")
	}
	if p.core != nil {
		p.core.EventsIngested.WithLabelValues(string(event.Kind)).Inc()
	}

	if update.Priority == message.PriorityCritical || p.queue.Size() >= p.cfg.MaxBatchSize {
		p.flushLocked()
	} else {
		p.scheduleLocked()
	}
	return nil
}

// throttledLocked reports whether an update for key arrived inside its
// throttle window. Per-entity overrides beat the per-type defaults.
func (p *Processor) throttledLocked(key string, t message.UpdateType, now time.Time) bool {
	window, ok := p.throttles[key]
	if !ok {
		window = defaultThrottles[t]
	}
	if window <= 0 {
		return false
	}
	last, seen := p.lastUpdate[key]
	return seen && now.Sub(last) < window
}

// scheduleLocked arms the flush timer if it is not already pending. One
// timer serves all queued updates; it is rearmed after each flush that
// leaves the queue non-empty.
func (p *Processor) scheduleLocked() {
	if p.flushTimer != nil {
		return
	}
	p.flushTimer = time.AfterFunc(p.cfg.MaxWaitTime, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.flushTimer = nil
		if !p.stopped {
			p.flushLocked()
		}
	})
}

// flushLocked drains up to MaxBatchSize updates, sorts them, and delivers
// the batch to every subscriber. Each subscriber runs in its own goroutine
// with panic recovery; the flush waits for all of them so batch N completes
// before batch N+1 starts.
func (p *Processor) flushLocked() {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}

	batch, err := p.queue.ReadBatch(p.cfg.MaxBatchSize)
	if err != nil {
		return // empty queue
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	start := time.Now()
	var wg sync.WaitGroup
	for id, fn := range p.subscribers {
		wg.Add(1)
		go func(id string, fn Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if p.metrics != nil {
						p.metrics.subscriberPanics.Inc()
					}
					p.logger.Error("subscriber panicked", "component", "processor",
						"subscriber", id, "panic", r)
				}
			}()
			fn(batch)
		}(id, fn)
	}
	wg.Wait()

	p.lastFlush = time.Now()
	if p.core != nil {
		p.core.BatchesFlushed.Inc()
		p.core.UpdatesDelivered.Add(float64(len(batch)))
		p.core.ProcessingDuration.Observe(time.Since(start).Seconds())
	}

	if !p.queue.IsEmpty() {
		p.scheduleLocked()
	}
}

// Subscribe registers a batch subscriber under id, replacing any existing
// subscriber with the same id.
func (p *Processor) Subscribe(id string, fn Subscriber) error {
	if id == "" || fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Processor", "Subscribe", "id and callback required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[id] = fn
	return nil
}

// Unsubscribe removes the subscriber registered under id.
func (p *Processor) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, id)
}

// SetThrottle overrides the throttle window for one entity. A zero window
// disables throttling for that entity; a negative window is invalid.
func (p *Processor) SetThrottle(entityType message.EntityType, entityID string, window time.Duration) error {
	if entityID == "" {
		return errors.WrapInvalid(errors.ErrMissingField, "Processor", "SetThrottle", "entityId validation")
	}
	if window < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Processor", "SetThrottle", "negative window")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.throttles[string(entityType)+":"+entityID] = window
	return nil
}

// Flush forces delivery of everything currently queued.
func (p *Processor) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.queue.IsEmpty() {
		p.flushLocked()
	}
}

// ClearQueue discards all queued updates without delivering them and cancels
// any pending flush.
func (p *Processor) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	p.queue.Clear()
}

// Stats returns a snapshot of processor state.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueSize:            p.queue.Size(),
		SubscriberCount:      len(p.subscribers),
		LastProcessedTime:    p.lastFlush,
		ThrottledEntityCount: len(p.throttles),
	}
}

// Stop delivers any remaining updates, then rejects further ingestion.
// Returns ErrStopTimeout if the final flush does not finish within timeout.
func (p *Processor) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stopped {
			return
		}
		if p.flushTimer != nil {
			p.flushTimer.Stop()
			p.flushTimer = nil
		}
		for !p.queue.IsEmpty() {
			p.flushLocked()
		}
		p.stopped = true
		_ = p.queue.Close()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapFatal(errors.ErrStopTimeout, "Processor", "Stop", "final flush")
	}
}
