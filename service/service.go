// Package service wires the pipeline together: processor batches flow to the
// broadcast server, the latest update per entity lands in a snapshot cache,
// and an HTTP control surface exposes ingestion, status, and metrics.
//
// All dependencies are constructor-injected; nothing in this package holds
// global state.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/showito/realtime/component"
	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
	"github.com/showito/realtime/metric"
	"github.com/showito/realtime/output/websocket"
	"github.com/showito/realtime/pkg/cache"
	"github.com/showito/realtime/pkg/retry"
	"github.com/showito/realtime/processor"
)

// broadcasterID names the processor subscription owned by this service.
const broadcasterID = "websocket_broadcaster"

// Config controls the service-level surfaces.
type Config struct {
	// HTTPHost/HTTPPort bind the control API. Port 0 picks a free port.
	HTTPHost string `yaml:"http_host" json:"httpHost"`
	HTTPPort int    `yaml:"http_port" json:"httpPort"`
	// SnapshotTTL bounds how long the latest update per entity is kept for
	// backfill. Default 5m.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" json:"snapshotTTL"`
	// IngestRate and IngestBurst bound the HTTP ingest endpoints.
	IngestRate  float64 `yaml:"ingest_rate" json:"ingestRate"`
	IngestBurst int     `yaml:"ingest_burst" json:"ingestBurst"`
}

func (c *Config) applyDefaults() {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 5 * time.Minute
	}
	if c.IngestRate <= 0 {
		c.IngestRate = 100
	}
	if c.IngestBurst <= 0 {
		c.IngestBurst = 200
	}
}

// Status is the façade-level snapshot returned by Status and GET /status.
type Status struct {
	Running          bool                              `json:"running"`
	ConnectedClients int                               `json:"connectedClients"`
	Processing       processor.Stats                   `json:"processing"`
	Components       map[string]component.HealthStatus `json:"components"`
	Timestamp        string                            `json:"timestamp"`
}

// Service is the pipeline façade.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	proc      *processor.Processor
	server    *websocket.Server
	snapshots cache.Cache[message.Update]
	limiter   *rate.Limiter

	httpServer   *http.Server
	httpListener net.Listener

	lifecycleMu sync.Mutex
	state       component.State
	group       *errgroup.Group
	cancel      context.CancelFunc
}

// Option configures the service at construction time.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches the metrics registry; its handler is mounted at
// /metrics on the control mux.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Service) {
		s.registry = registry
	}
}

// New creates the façade around an injected processor and broadcast server.
func New(cfg Config, proc *processor.Processor, server *websocket.Server, opts ...Option) (*Service, error) {
	if proc == nil || server == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "New",
			"processor and server required")
	}
	cfg.applyDefaults()

	s := &Service{
		cfg:     cfg,
		logger:  slog.Default(),
		proc:    proc,
		server:  server,
		limiter: rate.NewLimiter(rate.Limit(cfg.IngestRate), cfg.IngestBurst),
		state:   component.StateCreated,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start brings up the broadcast server, registers the fan-out subscriber,
// and serves the control API. Idempotent: starting a running service is a
// no-op.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state == component.StateRunning {
		return nil
	}

	snapshots, err := cache.NewTTL[message.Update](s.cfg.SnapshotTTL, s.cfg.SnapshotTTL/2)
	if err != nil {
		return errors.Wrap(err, "Service", "Start", "snapshot cache")
	}
	s.snapshots = snapshots

	if err := s.server.Initialize(); err != nil {
		_ = snapshots.Close()
		return errors.Wrap(err, "Service", "Start", "server initialization")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.server.Start(runCtx); err != nil {
		cancel()
		_ = snapshots.Close()
		return errors.Wrap(err, "Service", "Start", "server startup")
	}

	if err := s.proc.Subscribe(broadcasterID, s.broadcastUpdates); err != nil {
		cancel()
		_ = s.server.Stop(5 * time.Second)
		_ = snapshots.Close()
		return errors.Wrap(err, "Service", "Start", "subscriber registration")
	}

	// Bind failures during fast restarts are usually a lingering socket in
	// TIME_WAIT; a short backoff rides them out.
	var ln net.Listener
	bindErr := retry.Do(runCtx, retry.Default(), func() error {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort))
		return err
	})
	if bindErr != nil {
		cancel()
		s.proc.Unsubscribe(broadcasterID)
		_ = s.server.Stop(5 * time.Second)
		_ = snapshots.Close()
		return errors.WrapTransient(bindErr, "Service", "Start", "binding control listener")
	}
	s.httpListener = ln
	s.httpServer = &http.Server{Handler: s.buildMux(), ReadHeaderTimeout: 5 * time.Second}

	group, _ := errgroup.WithContext(runCtx)
	group.Go(func() error {
		if serveErr := s.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	})

	s.group = group
	s.cancel = cancel
	s.state = component.StateRunning
	if s.registry != nil {
		s.registry.Core.ServiceStatus.Set(1)
	}
	s.logger.Info("real-time service started", "component", "service",
		"ws_addr", s.server.Addr(), "http_addr", ln.Addr().String())
	return nil
}

// Stop shuts everything down in dependency order. Idempotent.
func (s *Service) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state != component.StateRunning {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control API shutdown", "component", "service", "error", err)
	}

	s.proc.Unsubscribe(broadcasterID)

	var firstErr error
	if err := s.proc.Stop(timeout); err != nil {
		firstErr = err
	}
	if err := s.server.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.snapshots.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.cancel()
	if err := s.group.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.state = component.StateStopped
	if s.registry != nil {
		s.registry.Core.ServiceStatus.Set(0)
	}
	s.logger.Info("real-time service stopped", "component", "service")
	return firstErr
}

// broadcastUpdates routes each flushed batch to the channel fan-out and the
// snapshot cache. Runs as a processor subscriber.
func (s *Service) broadcastUpdates(updates []message.Update) {
	for _, u := range updates {
		if _, err := s.snapshots.Set(u.EntityKey(), u); err != nil {
			s.logger.Warn("snapshot store", "component", "service", "error", err)
		}

		switch u.Type {
		case message.UpdatePrice, message.UpdateVolume:
			if u.EntityType == message.EntityCollection {
				s.server.BroadcastPriceUpdate(u.EntityID, u.Data)
			}
		case message.UpdateSale:
			var sale message.SalePayload
			if err := json.Unmarshal(u.Data, &sale); err != nil || sale.CollectionID == "" {
				s.logger.Warn("sale update missing collection", "component", "service",
					"update_id", u.ID)
				continue
			}
			s.server.BroadcastNewSale(sale.CollectionID, u.EntityID, u.Data)
		case message.UpdateWhale:
			s.server.BroadcastWhaleMovement(u.Data)
		case message.UpdateAlert:
			s.server.BroadcastAlert(u.Data)
		default:
			s.logger.Debug("unroutable update type", "component", "service", "type", u.Type)
		}
	}
}

// IngestPriceUpdate feeds a price change into the pipeline.
func (s *Service) IngestPriceUpdate(p message.PricePayload) error {
	stampPayloadTime(&p.Timestamp)
	return s.ingest(message.KindPriceUpdate, p)
}

// IngestSaleData feeds a completed sale into the pipeline.
func (s *Service) IngestSaleData(p message.SalePayload) error {
	stampPayloadTime(&p.Timestamp)
	return s.ingest(message.KindNewSale, p)
}

// IngestWhaleMovement feeds a whale transaction into the pipeline.
func (s *Service) IngestWhaleMovement(p message.WhalePayload) error {
	stampPayloadTime(&p.Timestamp)
	return s.ingest(message.KindWhaleMovement, p)
}

// TriggerAlert feeds an alert into the pipeline. Alerts are critical and
// flush immediately.
func (s *Service) TriggerAlert(p message.AlertPayload) error {
	stampPayloadTime(&p.Timestamp)
	return s.ingest(message.KindAlertTrigger, p)
}

func (s *Service) ingest(kind message.Kind, payload any) error {
	return s.proc.Ingest(message.RawEvent{
		Kind:     kind,
		Payload:  message.MustMarshal(payload),
		Received: time.Now(),
	})
}

func stampPayloadTime(ts *string) {
	if *ts == "" {
		*ts = time.Now().UTC().Format(time.RFC3339)
	}
}

// Snapshot returns the last delivered update for an entity key, if cached.
func (s *Service) Snapshot(entityKey string) (message.Update, bool) {
	s.lifecycleMu.Lock()
	snapshots := s.snapshots
	s.lifecycleMu.Unlock()
	if snapshots == nil {
		return message.Update{}, false
	}
	return snapshots.Get(entityKey)
}

// Status reports the façade and component state.
func (s *Service) Status() Status {
	s.lifecycleMu.Lock()
	running := s.state == component.StateRunning
	s.lifecycleMu.Unlock()

	return Status{
		Running:          running,
		ConnectedClients: s.server.ClientCount(),
		Processing:       s.proc.Stats(),
		Components: map[string]component.HealthStatus{
			s.server.Meta().Name: s.server.Health(),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WebSocketAddr returns the broadcast server's bound address.
func (s *Service) WebSocketAddr() string {
	return s.server.Addr()
}

// HTTPAddr returns the control API's bound address, or "" before Start.
func (s *Service) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Meta implements component.Discoverable.
func (s *Service) Meta() component.Metadata {
	return component.Metadata{
		Name:        "realtime_service",
		Type:        "service",
		Description: "Real-time pipeline façade: ingest, broadcast, status",
	}
}

// Health implements component.Discoverable.
func (s *Service) Health() component.HealthStatus {
	s.lifecycleMu.Lock()
	state := s.state
	s.lifecycleMu.Unlock()

	return component.HealthStatus{
		Healthy: state == component.StateRunning,
		State:   state.String(),
		Checked: time.Now(),
	}
}
