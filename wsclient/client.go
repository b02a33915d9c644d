// Package wsclient implements the reconnecting consumer side of the
// broadcast protocol. Dashboards and internal consumers use it to hold a
// WebSocket session open across server restarts: reconnects back off
// exponentially, subscriptions are restored, and sends issued while offline
// are queued and flushed on reconnect.
package wsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
	"github.com/showito/realtime/pkg/buffer"
	"github.com/showito/realtime/pkg/retry"
)

// State of the connector.
type State int

// Connector states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// reconnectCap bounds the backoff delay regardless of attempt count.
const reconnectCap = 30 * time.Second

// Config controls the connector.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url" json:"url"`
	// ReconnectInterval is the base backoff delay. Default 5s.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnectInterval"`
	// MaxReconnectAttempts before giving up. Default 10.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"maxReconnectAttempts"`
	// PingInterval between application-level pings. Default 25s.
	PingInterval time.Duration `yaml:"ping_interval" json:"pingInterval"`
	// HandshakeTimeout bounds each dial. Default 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshakeTimeout"`
	// QueueCapacity bounds the offline send queue. Default 100.
	QueueCapacity int `yaml:"queue_capacity" json:"queueCapacity"`
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
}

// Callbacks are invoked from connector goroutines. They must not block for
// long; OnMessage receives every non-status frame.
type Callbacks struct {
	OnOpen            func()
	OnClose           func(code int, reason string)
	OnError           func(error)
	OnMessage         func(message.Envelope)
	OnReconnecting    func(attempt int, delay time.Duration)
	OnReconnectFailed func()
}

// Client is a reconnecting WebSocket consumer.
type Client struct {
	cfg     Config
	cb      Callbacks
	logger  *slog.Logger
	backoff retry.Config
	dialer  *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	attempts       int
	subs           map[string]struct{}
	outbox         buffer.Buffer[message.Envelope]
	reconnectTimer *time.Timer
	stopPing       chan struct{}
	serverClientID string
	closed         bool
}

// Option configures the client at construction time.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCallbacks sets the event callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Client) {
		c.cb = cb
	}
}

// New creates a connector for the given endpoint.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Connector", "New", "url required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.WrapInvalid(err, "Connector", "New", "url parsing")
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		backoff: retry.Config{
			InitialDelay: cfg.ReconnectInterval,
			MaxDelay:     reconnectCap,
			Multiplier:   2.0,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		subs:   make(map[string]struct{}),
		outbox: buffer.New[message.Envelope](cfg.QueueCapacity),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the endpoint. A no-op while connecting or connected. Calling
// Connect after Close or after reconnection gave up starts a fresh session
// with a reset attempt counter. On dial failure the reconnect schedule starts
// and a transient error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.attempts = 0
	c.state = StateConnecting
	dialURL := c.dialURLLocked()
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		c.reportError(err)
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return errors.WrapTransient(err, "Connector", "Connect", "dialing")
	}

	c.onConnected(conn)
	return nil
}

// dialURLLocked builds the dial URL with collection subscriptions encoded in
// the "collections" query parameter. Caller holds c.mu.
func (c *Client) dialURLLocked() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}

	var collections []string
	for ch := range c.subs {
		if id := message.CollectionFromChannel(ch); id != "" {
			collections = append(collections, id)
		}
	}
	if len(collections) > 0 {
		q := u.Query()
		q.Set("collections", strings.Join(collections, ","))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// onConnected installs the new connection, restores subscriptions, flushes
// the offline queue, and starts the read and ping loops.
func (c *Client) onConnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		// Close raced the dial; drop the fresh connection.
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.stopPing = make(chan struct{})
	stop := c.stopPing

	// Restore every active subscription, not only the collections carried in
	// the URL.
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	if len(channels) > 0 {
		_ = c.writeLocked(conn, message.Envelope{Type: message.TypeSubscribe, Channels: channels})
	}

	// Flush queued sends in FIFO order.
	if backlog, err := c.outbox.ReadBatch(0); err == nil {
		for _, env := range backlog {
			if werr := c.writeLocked(conn, env); werr != nil {
				break
			}
		}
	}
	c.mu.Unlock()

	c.logger.Info("connected", "component", "connector", "url", c.cfg.URL)
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}

	go c.readLoop(conn)
	go c.pingLoop(conn, stop)
}

// writeLocked marshals and writes one envelope. Caller holds c.mu.
func (c *Client) writeLocked(conn *websocket.Conn, env message.Envelope) error {
	env.Stamp()
	return conn.WriteJSON(env)
}

// readLoop consumes frames until the connection drops. Status frames are
// absorbed; everything else goes to OnMessage.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env message.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		if env.Type == message.TypeConnectionStatus {
			var status message.ConnectionStatus
			if err := json.Unmarshal(env.Data, &status); err == nil {
				c.mu.Lock()
				c.serverClientID = status.ClientID
				c.mu.Unlock()
			}
			continue
		}

		if c.cb.OnMessage != nil {
			c.cb.OnMessage(env)
		}
	}
}

// pingLoop sends application-level pings until the connection goes away.
func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			err := c.writeLocked(conn, message.Envelope{Type: message.TypePing})
			c.mu.Unlock()
			if err != nil {
				return // the read loop observes the broken connection
			}
		}
	}
}

// handleDisconnect reacts to a dropped connection: clean closes stay down,
// anything else enters the backoff schedule.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection superseded this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	_ = conn.Close()

	code := websocket.CloseAbnormalClosure
	reason := ""
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		code = ce.Code
		reason = ce.Text
	}

	clean := c.closed || code == websocket.CloseNormalClosure
	if clean {
		c.state = StateDisconnected
	} else {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if c.cb.OnClose != nil {
		c.cb.OnClose(code, reason)
	}
}

// scheduleReconnectLocked arms the next reconnect attempt or gives up once
// attempts are exhausted. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.closed {
		c.state = StateDisconnected
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.state = StateFailed
		c.logger.Error("reconnect attempts exhausted", "component", "connector",
			"attempts", c.attempts)
		if fn := c.cb.OnReconnectFailed; fn != nil {
			go fn()
		}
		return
	}

	delay := c.backoff.DelayFor(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.state = StateReconnecting

	c.logger.Info("scheduling reconnect", "component", "connector",
		"attempt", attempt, "delay", delay)
	if fn := c.cb.OnReconnecting; fn != nil {
		go fn(attempt, delay)
	}

	c.reconnectTimer = time.AfterFunc(delay, c.redial)
}

// redial performs one reconnect attempt.
func (c *Client) redial() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	dialURL := c.dialURLLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		c.reportError(err)
		c.mu.Lock()
		c.state = StateReconnecting
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.onConnected(conn)
}

func (c *Client) reportError(err error) {
	c.logger.Warn("connection error", "component", "connector", "error", err)
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// Subscribe adds channels to the active set and informs the server when
// connected. Subscriptions survive reconnects.
func (c *Client) Subscribe(channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		c.subs[ch] = struct{}{}
		added = append(added, ch)
	}
	if len(added) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Connector", "Subscribe", "no channels given")
	}

	if c.state == StateConnected && c.conn != nil {
		return c.writeLocked(c.conn, message.Envelope{Type: message.TypeSubscribe, Channels: added})
	}
	return nil
}

// Unsubscribe removes channels from the active set and informs the server
// when connected.
func (c *Client) Unsubscribe(channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range channels {
		delete(c.subs, ch)
	}
	if c.state == StateConnected && c.conn != nil {
		return c.writeLocked(c.conn, message.Envelope{Type: message.TypeUnsubscribe, Channels: channels})
	}
	return nil
}

// Send writes an envelope, queueing it FIFO while disconnected. The queue is
// bounded; overflow drops the oldest entry.
func (c *Client) Send(env message.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected && c.conn != nil {
		return c.writeLocked(c.conn, env)
	}
	if err := c.outbox.Write(env); err != nil {
		return errors.WrapTransient(err, "Connector", "Send", "queueing")
	}
	return nil
}

// Close disconnects cleanly and suspends reconnection until the next
// Connect. Subscriptions and queued sends survive.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.attempts = 0
	return nil
}

// State returns the current connector state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id the server assigned in its last status frame.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverClientID
}

// Subscriptions lists the active channel set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}

// QueuedSends returns the number of envelopes waiting for a connection.
func (c *Client) QueuedSends() int {
	return c.outbox.Size()
}
