package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/showito/realtime/component"
	"github.com/showito/realtime/message"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0 // OS-assigned port
	s := NewServer(cfg)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
	return s
}

func dial(t *testing.T, s *Server, query string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s%s%s", s.Addr(), s.cfg.Path, query)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) message.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env message.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func readStatus(t *testing.T, conn *websocket.Conn) message.ConnectionStatus {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, message.TypeConnectionStatus, env.Type)

	var status message.ConnectionStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	return status
}

func TestServer_Lifecycle(t *testing.T) {
	s := NewServer(Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))

	addr := s.Addr()
	require.NoError(t, s.Start(context.Background()), "start is idempotent")
	require.Equal(t, addr, s.Addr(), "running listener untouched by second start")

	require.NoError(t, s.Stop(2*time.Second))
	require.NoError(t, s.Stop(2*time.Second), "stop is idempotent")
}

func TestServer_InitializeValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Port: 8080, Path: "/ws"}, false},
		{"port too large", Config{Port: 70000}, true},
		{"relative path", Config{Port: 8080, Path: "ws"}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := NewServer(test.cfg).Initialize()
			if test.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServer_ConnectionStatusAck(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s, "")

	status := readStatus(t, conn)
	assert.NotEmpty(t, status.ClientID)
	assert.Empty(t, status.Subscriptions)
	assert.Equal(t, 1, s.ClientCount())
}

func TestServer_QueryParamPreSubscription(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s, "?collections=top-shot,ufc-strike")

	status := readStatus(t, conn)
	assert.ElementsMatch(t,
		[]string{"collection:top-shot", "collection:ufc-strike"},
		status.Subscriptions)
	assert.ElementsMatch(t, status.Subscriptions, s.ClientSubscriptions(status.ClientID))
}

func TestServer_SubscribeUnsubscribe(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s, "")
	readStatus(t, conn)

	require.NoError(t, conn.WriteJSON(message.Envelope{
		Type:     message.TypeSubscribe,
		Channels: []string{message.ChannelAlerts, "collection:top-shot"},
	}))
	status := readStatus(t, conn)
	assert.ElementsMatch(t, []string{"alerts", "collection:top-shot"}, status.Subscriptions)

	require.NoError(t, conn.WriteJSON(message.Envelope{
		Type:     message.TypeUnsubscribe,
		Channels: []string{"collection:top-shot"},
	}))
	status = readStatus(t, conn)
	assert.Equal(t, []string{"alerts"}, status.Subscriptions)
}

func TestServer_PingPong(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s, "")
	readStatus(t, conn)

	require.NoError(t, conn.WriteJSON(message.Envelope{Type: message.TypePing}))
	env := readEnvelope(t, conn)
	assert.Equal(t, message.TypePong, env.Type)
}

func TestServer_UnknownFrameIgnored(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s, "")
	readStatus(t, conn)

	require.NoError(t, conn.WriteJSON(message.Envelope{Type: "mystery"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	// Connection survives both frames.
	require.NoError(t, conn.WriteJSON(message.Envelope{Type: message.TypePing}))
	env := readEnvelope(t, conn)
	assert.Equal(t, message.TypePong, env.Type)
}

// Channel isolation: a client only sees traffic for channels it subscribed to.
func TestServer_ChannelIsolation(t *testing.T) {
	s := startServer(t, Config{})

	subA := dial(t, s, "?collections=alpha")
	readStatus(t, subA)
	subB := dial(t, s, "?collections=beta")
	readStatus(t, subB)

	n := s.BroadcastPriceUpdate("alpha", json.RawMessage(`{"floorPrice":10}`))
	assert.Equal(t, 1, n)

	env := readEnvelope(t, subA)
	assert.Equal(t, message.TypePriceUpdate, env.Type)
	assert.Equal(t, "alpha", env.CollectionID)
	assert.NotEmpty(t, env.Timestamp)

	require.NoError(t, subB.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := subB.ReadMessage()
	assert.Error(t, err, "client B must not receive collection alpha traffic")
}

func TestServer_BroadcastWrappers(t *testing.T) {
	s := startServer(t, Config{})

	conn := dial(t, s, "?collections=top-shot")
	readStatus(t, conn)
	require.NoError(t, conn.WriteJSON(message.Envelope{
		Type:     message.TypeSubscribe,
		Channels: []string{message.ChannelWhaleActivity, message.ChannelAlerts},
	}))
	readStatus(t, conn)

	assert.Equal(t, 1, s.BroadcastNewSale("top-shot", "nft-1", json.RawMessage(`{"price":5}`)))
	env := readEnvelope(t, conn)
	assert.Equal(t, message.TypeNewSale, env.Type)
	assert.Equal(t, "nft-1", env.NFTID)

	assert.Equal(t, 1, s.BroadcastWhaleMovement(json.RawMessage(`{"amount":20000}`)))
	env = readEnvelope(t, conn)
	assert.Equal(t, message.TypeWhaleMovement, env.Type)

	assert.Equal(t, 1, s.BroadcastAlert(json.RawMessage(`{"alertId":"a1"}`)))
	env = readEnvelope(t, conn)
	assert.Equal(t, message.TypeAlertTrigger, env.Type)
}

func TestServer_BroadcastToEmptyChannel(t *testing.T) {
	s := startServer(t, Config{})
	n := s.BroadcastToChannel("collection:ghost", message.Envelope{Type: message.TypePriceUpdate})
	assert.Equal(t, 0, n)
}

func TestServer_LivenessSweepTerminatesDeadClients(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive sweep test")
	}

	s := startServer(t, Config{PingInterval: 100 * time.Millisecond})
	conn := dial(t, s, "")
	readStatus(t, conn)

	// Default pong handling would answer the server's pings; strip it so the
	// client looks dead.
	conn.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	assert.Eventually(t, func() bool { return s.ClientCount() == 0 },
		2*time.Second, 50*time.Millisecond, "unresponsive client should be terminated")
}

func TestServer_LivenessSweepKeepsResponsiveClients(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive sweep test")
	}

	s := startServer(t, Config{PingInterval: 100 * time.Millisecond})
	conn := dial(t, s, "")
	readStatus(t, conn)

	// gorilla's default ping handler answers with pongs as long as the
	// client keeps reading.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, s.ClientCount(), "responsive client should survive sweeps")
}

func TestServer_DisconnectRemovesClient(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s, "")
	readStatus(t, conn)
	require.Equal(t, 1, s.ClientCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.ClientCount() == 0 },
		time.Second, 20*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	s := startServer(t, Config{})

	h := s.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, component.StateRunning.String(), h.State)
	assert.Equal(t, 0, h.Details["connected_clients"])

	meta := s.Meta()
	assert.Equal(t, "websocket_server", meta.Name)
}
