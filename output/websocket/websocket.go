// Package websocket implements the broadcast server: dashboards connect over
// WebSocket, subscribe to channels, and receive processed updates fanned out
// per channel. A periodic liveness sweep terminates unresponsive clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/showito/realtime/component"
	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
	"github.com/showito/realtime/pkg/buffer"
)

// Config controls the broadcast server.
type Config struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	Path string `yaml:"path" json:"path"`
	// PingInterval is the liveness sweep period. A client that has not
	// answered a ping by the next sweep is terminated.
	PingInterval time.Duration `yaml:"ping_interval" json:"pingInterval"`
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"writeTimeout"`
	// MaxQueuedPerClient bounds the backlog kept for unwritable clients.
	MaxQueuedPerClient int `yaml:"max_queued_per_client" json:"maxQueuedPerClient"`
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxQueuedPerClient <= 0 {
		c.MaxQueuedPerClient = 100
	}
}

// client tracks one connected dashboard.
type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	subsMu sync.RWMutex
	subs   map[string]struct{}

	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (c *client) subscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *client) subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}

// Server is the WebSocket broadcast endpoint.
type Server struct {
	cfg    Config
	logger *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	lifecycleMu sync.Mutex
	state       component.State
	shutdown    chan struct{}
	wg          *sync.WaitGroup

	clientsMu sync.RWMutex
	clients   map[string]*client
	// queues holds undelivered envelopes keyed by client id. Ids are
	// regenerated per connection, so a backlog only drains if the same
	// connection becomes writable again; see DESIGN.md.
	queues map[string]buffer.Buffer[message.Envelope]

	broadcasts atomic.Int64
	terminated atomic.Int64
}

// Option configures the server at construction time.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a broadcast server for the given config.
func NewServer(cfg Config, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect from arbitrary origins; auth is out of scope.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		queues:  make(map[string]buffer.Buffer[message.Envelope]),
		state:   component.StateCreated,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize validates configuration.
func (s *Server) Initialize() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cfg.Port < 0 || s.cfg.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "WebSocketServer", "Initialize",
			fmt.Sprintf("port %d out of range", s.cfg.Port))
	}
	if !strings.HasPrefix(s.cfg.Path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "WebSocketServer", "Initialize",
			"path must start with /")
	}
	s.state = component.StateInitialized
	return nil
}

// Start binds the listener and launches the HTTP serve loop and the liveness
// sweep. Idempotent: starting a running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state == component.StateRunning {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "WebSocketServer", "Start", "binding listener")
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleConnection)
	s.httpServer = &http.Server{Handler: mux}

	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serveErr := s.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("serve loop exited", "component", "websocket_server", "error", serveErr)
		}
	}()

	s.wg.Add(1)
	go s.maintainClients(ctx)

	s.state = component.StateRunning
	s.logger.Info("broadcast server listening", "component", "websocket_server",
		"addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Stop terminates all clients and shuts the HTTP server down. Idempotent.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state != component.StateRunning {
		return nil
	}
	close(s.shutdown)

	s.clientsMu.Lock()
	for id, c := range s.clients {
		s.closeClient(c, websocket.CloseGoingAway, "server shutting down")
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "component", "websocket_server", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.state = component.StateStopped
		return errors.WrapFatal(errors.ErrStopTimeout, "WebSocketServer", "Stop", "goroutine drain")
	}

	s.state = component.StateStopped
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleConnection upgrades the request, registers the client, and runs its
// read loop. Collections named in the "collections" query parameter are
// pre-subscribed.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "component", "websocket_server", "error", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
		subs:        make(map[string]struct{}),
	}
	c.alive.Store(true)

	if raw := r.URL.Query().Get("collections"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.subs[message.CollectionChannel(id)] = struct{}{}
			}
		}
	}

	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	s.logger.Info("client connected", "component", "websocket_server",
		"client_id", c.id, "subscriptions", len(c.subs))

	s.sendStatus(c, "connected")
	s.flushQueued(c)
	s.readLoop(c)
}

// readLoop consumes control frames from one client until the connection
// drops.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c, websocket.CloseNormalClosure, "")

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read error", "component", "websocket_server",
					"client_id", c.id, "error", err)
			}
			return
		}

		var env message.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("unparseable frame ignored", "component", "websocket_server",
				"client_id", c.id, "error", err)
			continue
		}

		switch env.Type {
		case message.TypeSubscribe:
			s.updateSubscriptions(c, env.Channels, true)
		case message.TypeUnsubscribe:
			s.updateSubscriptions(c, env.Channels, false)
		case message.TypePing:
			c.alive.Store(true)
			s.send(c, message.Envelope{Type: message.TypePong})
		default:
			s.logger.Debug("unknown frame type ignored", "component", "websocket_server",
				"client_id", c.id, "type", env.Type)
		}
	}
}

func (s *Server) updateSubscriptions(c *client, channels []string, add bool) {
	c.subsMu.Lock()
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if add {
			c.subs[ch] = struct{}{}
		} else {
			delete(c.subs, ch)
		}
	}
	c.subsMu.Unlock()

	s.sendStatus(c, "subscriptions updated")
}

// sendStatus acknowledges the client's current state.
func (s *Server) sendStatus(c *client, msg string) {
	status := message.ConnectionStatus{
		ClientID:      c.id,
		Subscriptions: c.subscriptions(),
		Message:       msg,
	}
	s.send(c, message.Envelope{
		Type: message.TypeConnectionStatus,
		Data: message.MustMarshal(status),
	})
}

// send writes one envelope to a client. Failed writes queue the envelope
// under the client id and drop the connection.
func (s *Server) send(c *client, env message.Envelope) {
	if c.closed.Load() {
		s.queueFor(c.id, env)
		return
	}
	env.Stamp()
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("envelope marshal", "component", "websocket_server", "error", err)
		return
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		s.queueFor(c.id, env)
		s.removeClient(c, websocket.CloseAbnormalClosure, "write failed")
	}
}

// queueFor stores an undeliverable envelope in the client's backlog.
func (s *Server) queueFor(id string, env message.Envelope) {
	s.clientsMu.Lock()
	q, ok := s.queues[id]
	if !ok {
		q = buffer.New[message.Envelope](s.cfg.MaxQueuedPerClient,
			buffer.WithOverflowPolicy[message.Envelope](buffer.DropOldest))
		s.queues[id] = q
	}
	s.clientsMu.Unlock()
	_ = q.Write(env)
}

// flushQueued replays any backlog stored under the client's id.
func (s *Server) flushQueued(c *client) {
	s.clientsMu.Lock()
	q, ok := s.queues[c.id]
	if ok {
		delete(s.queues, c.id)
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}

	backlog, err := q.ReadBatch(0)
	if err != nil {
		return
	}
	for _, env := range backlog {
		s.send(c, env)
	}
}

// BroadcastToChannel delivers an envelope to every client subscribed to
// channel. Returns the number of clients targeted.
func (s *Server) BroadcastToChannel(channel string, env message.Envelope) int {
	env.Stamp()

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		s.send(c, env)
	}

	if len(targets) > 0 {
		s.broadcasts.Add(1)
	}
	return len(targets)
}

// BroadcastPriceUpdate publishes a price change to the collection's channel.
func (s *Server) BroadcastPriceUpdate(collectionID string, data json.RawMessage) int {
	return s.BroadcastToChannel(message.CollectionChannel(collectionID), message.Envelope{
		Type:         message.TypePriceUpdate,
		CollectionID: collectionID,
		Data:         data,
	})
}

// BroadcastNewSale publishes a sale to the collection's channel.
func (s *Server) BroadcastNewSale(collectionID, nftID string, data json.RawMessage) int {
	return s.BroadcastToChannel(message.CollectionChannel(collectionID), message.Envelope{
		Type:         message.TypeNewSale,
		CollectionID: collectionID,
		NFTID:        nftID,
		Data:         data,
	})
}

// BroadcastWhaleMovement publishes to the shared whale activity channel.
func (s *Server) BroadcastWhaleMovement(data json.RawMessage) int {
	return s.BroadcastToChannel(message.ChannelWhaleActivity, message.Envelope{
		Type: message.TypeWhaleMovement,
		Data: data,
	})
}

// BroadcastAlert publishes to the shared alerts channel.
func (s *Server) BroadcastAlert(data json.RawMessage) int {
	return s.BroadcastToChannel(message.ChannelAlerts, message.Envelope{
		Type: message.TypeAlertTrigger,
		Data: data,
	})
}

// maintainClients is the liveness sweep: clients that have not proven alive
// since the previous sweep are terminated, the rest are pinged.
func (s *Server) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweepClients()
		}
	}
}

func (s *Server) sweepClients() {
	s.clientsMu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range snapshot {
		if !c.alive.Load() {
			s.terminated.Add(1)
			s.logger.Info("terminating unresponsive client",
				"component", "websocket_server", "client_id", c.id)
			s.removeClient(c, websocket.CloseGoingAway, "liveness timeout")
			continue
		}
		c.alive.Store(false)
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.removeClient(c, websocket.CloseAbnormalClosure, "ping failed")
		}
	}
}

// removeClient closes the connection and deregisters the client. Safe to
// call multiple times per client.
func (s *Server) removeClient(c *client, code int, reason string) {
	s.closeClient(c, code, reason)

	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
}

func (s *Server) closeClient(c *client, code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientSubscriptions returns a client's channels, or nil for unknown ids.
func (s *Server) ClientSubscriptions(id string) []string {
	s.clientsMu.RLock()
	c, ok := s.clients[id]
	s.clientsMu.RUnlock()
	if !ok {
		return nil
	}
	return c.subscriptions()
}

// Meta implements component.Discoverable.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "websocket_server",
		Type:        "output",
		Description: "WebSocket broadcast endpoint with channel subscriptions",
	}
}

// Health implements component.Discoverable.
func (s *Server) Health() component.HealthStatus {
	s.lifecycleMu.Lock()
	state := s.state
	s.lifecycleMu.Unlock()

	return component.HealthStatus{
		Healthy: state == component.StateRunning,
		State:   state.String(),
		Details: map[string]any{
			"connected_clients":  s.ClientCount(),
			"broadcasts":         s.broadcasts.Load(),
			"terminated_clients": s.terminated.Load(),
		},
		Checked: time.Now(),
	}
}
