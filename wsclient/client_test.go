package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/showito/realtime/message"
	server "github.com/showito/realtime/output/websocket"
)

func startServer(t *testing.T, port int) *server.Server {
	t.Helper()
	s := server.NewServer(server.Config{Host: "127.0.0.1", Port: port})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
	return s
}

func wsURL(s *server.Server) string {
	return fmt.Sprintf("ws://%s/ws", s.Addr())
}

func fastConfig(url string) Config {
	return Config{
		URL:                  url,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 10,
		PingInterval:         time.Hour,
	}
}

func TestClient_New_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err, "missing url rejected")

	c, err := New(Config{URL: "ws://localhost:9/ws"})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ConnectAndReceive(t *testing.T) {
	s := startServer(t, 0)

	received := make(chan message.Envelope, 8)
	c, err := New(fastConfig(wsURL(s)), WithCallbacks(Callbacks{
		OnMessage: func(env message.Envelope) { received <- env },
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Subscribe("collection:top-shot"))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	// The subscribe frame and status ack need a moment to round-trip.
	require.Eventually(t, func() bool { return c.ClientID() != "" },
		time.Second, 10*time.Millisecond, "connection_status should be consumed internally")

	n := s.BroadcastPriceUpdate("top-shot", json.RawMessage(`{"floorPrice":11}`))
	require.Equal(t, 1, n)

	select {
	case env := <-received:
		assert.Equal(t, message.TypePriceUpdate, env.Type)
		assert.Equal(t, "top-shot", env.CollectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestClient_ConnectIsNoOpWhileConnected(t *testing.T) {
	s := startServer(t, 0)

	c, err := New(fastConfig(wsURL(s)))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()), "second connect is a no-op")
	assert.Equal(t, 1, s.ClientCount())
}

func TestClient_StatusFramesNotForwarded(t *testing.T) {
	s := startServer(t, 0)

	var statusSeen atomic.Bool
	c, err := New(fastConfig(wsURL(s)), WithCallbacks(Callbacks{
		OnMessage: func(env message.Envelope) {
			if env.Type == message.TypeConnectionStatus {
				statusSeen.Store(true)
			}
		},
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.ClientID() != "" },
		time.Second, 10*time.Millisecond)
	assert.False(t, statusSeen.Load())
}

func TestClient_SendQueuedWhileOffline(t *testing.T) {
	s := startServer(t, 0)

	received := make(chan message.Envelope, 8)
	c, err := New(fastConfig(wsURL(s)), WithCallbacks(Callbacks{
		OnMessage: func(env message.Envelope) { received <- env },
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	// Queued while disconnected, flushed FIFO on connect. The server answers
	// the queued ping with a pong.
	require.NoError(t, c.Send(message.Envelope{Type: message.TypePing}))
	assert.Equal(t, 1, c.QueuedSends())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 0, c.QueuedSends())

	select {
	case env := <-received:
		assert.Equal(t, message.TypePong, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame was not flushed")
	}
}

func TestClient_CleanCloseDoesNotReconnect(t *testing.T) {
	s := startServer(t, 0)

	var reconnects atomic.Int32
	c, err := New(fastConfig(wsURL(s)), WithCallbacks(Callbacks{
		OnReconnecting: func(int, time.Duration) { reconnects.Add(1) },
	}))
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(0), reconnects.Load())
}

func TestClient_ConnectAfterClose(t *testing.T) {
	s := startServer(t, 0)

	received := make(chan message.Envelope, 8)
	c, err := New(fastConfig(wsURL(s)), WithCallbacks(Callbacks{
		OnMessage: func(env message.Envelope) { received <- env },
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Subscribe("collection:top-shot"))
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)

	// A closed client can open a new session; subscriptions carry over.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	n := s.BroadcastPriceUpdate("top-shot", json.RawMessage(`{"floorPrice":3}`))
	require.Equal(t, 1, n)

	select {
	case env := <-received:
		assert.Equal(t, message.TypePriceUpdate, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered after reopen")
	}
}

func TestClient_ReconnectRestoresSubscriptions(t *testing.T) {
	if testing.Short() {
		t.Skip("restart-based reconnect test")
	}

	s1 := startServer(t, 0)
	_, portStr, err := net.SplitHostPort(s1.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	reconnecting := make(chan int, 16)
	c, err := New(fastConfig(wsURL(s1)), WithCallbacks(Callbacks{
		OnReconnecting: func(attempt int, _ time.Duration) { reconnecting <- attempt },
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Subscribe("collection:top-shot", message.ChannelAlerts))
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, s1.ClientCount())

	// Kill the server; the client must start backing off.
	require.NoError(t, s1.Stop(2*time.Second))
	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("client never entered reconnect")
	}

	// Bring a fresh server up on the same port and wait for the client.
	s2 := startServer(t, port)
	require.Eventually(t, func() bool { return c.State() == StateConnected },
		5*time.Second, 20*time.Millisecond, "client should reconnect")

	// The full subscription set is restored, including the non-collection
	// channel that cannot ride the dial URL.
	require.Eventually(t, func() bool {
		if s2.ClientCount() != 1 {
			return false
		}
		subs := s2.ClientSubscriptions(c.ClientID())
		return contains(subs, "collection:top-shot") && contains(subs, message.ChannelAlerts)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClient_ReconnectFailedAfterMaxAttempts(t *testing.T) {
	// A listener that is immediately closed gives us a dead port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadURL := fmt.Sprintf("ws://%s/ws", ln.Addr().String())
	require.NoError(t, ln.Close())

	cfg := fastConfig(deadURL)
	cfg.MaxReconnectAttempts = 3
	cfg.HandshakeTimeout = 200 * time.Millisecond

	failed := make(chan struct{})
	var attempts atomic.Int32
	c, err := New(cfg, WithCallbacks(Callbacks{
		OnReconnecting:    func(int, time.Duration) { attempts.Add(1) },
		OnReconnectFailed: func() { close(failed) },
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.Error(t, c.Connect(context.Background()))

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnReconnectFailed never fired")
	}
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_SubscribeValidation(t *testing.T) {
	c, err := New(Config{URL: "ws://localhost:9/ws"})
	require.NoError(t, err)

	require.Error(t, c.Subscribe(), "empty subscribe rejected")
	require.Error(t, c.Subscribe(""), "blank channels rejected")

	require.NoError(t, c.Subscribe("alerts"))
	require.NoError(t, c.Unsubscribe("alerts"))
	assert.Empty(t, c.Subscriptions())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.state.String())
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
