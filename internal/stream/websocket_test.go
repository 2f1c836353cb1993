package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer answers every subscribe frame with one matching and one non-matching row
type feedServer struct {
	mu          sync.Mutex
	connections int32
	subscribed  []string
	dropFirst   bool
}

func (s *feedServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&s.connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame wireFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Action != "subscribe" {
				continue
			}
			s.mu.Lock()
			s.subscribed = append(s.subscribed, frame.ID)
			s.mu.Unlock()

			_ = conn.WriteJSON(map[string]interface{}{"action": "ack", "id": frame.ID})
			_ = conn.WriteJSON(map[string]interface{}{
				"topic": frame.Topic, "event": "update", "key": "GBPUSD",
				"payload": map[string]string{"symbol": "GBPUSD", "price": "1.27"},
			})
			_ = conn.WriteJSON(map[string]interface{}{
				"topic": frame.Topic, "event": "update", "key": "EURUSD",
				"payload": map[string]string{"symbol": "EURUSD", "price": "1.0845"},
			})

			if s.dropFirst && n == 1 {
				return
			}
		}
	}
}

func (s *feedServer) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.subscribed))
	copy(out, s.subscribed)
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketTransport_EndToEnd(t *testing.T) {
	fs := &feedServer{}
	server := httptest.NewServer(fs.handler(t))
	defer server.Close()

	transport := NewWebSocketTransport(WebSocketConfig{URL: wsURL(server)}, &mockLogger{})
	m := NewManager(transport, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	payloads := make(chan string, 10)
	_, err := m.Subscribe("prices", Filter{Keys: []string{"EURUSD"}}, func(msg Message) {
		payloads <- string(msg.Payload)
	})
	require.NoError(t, err)

	select {
	case p := <-payloads:
		assert.Contains(t, p, `"EURUSD"`)
		assert.Contains(t, p, `"1.0845"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no price delivered")
	}
	assert.Len(t, payloads, 0, "GBPUSD must be filtered out")
}

func TestWebSocketTransport_ReconnectResubscribes(t *testing.T) {
	fs := &feedServer{dropFirst: true}
	server := httptest.NewServer(fs.handler(t))
	defer server.Close()

	transport := NewWebSocketTransport(WebSocketConfig{URL: wsURL(server)}, &mockLogger{})
	m := NewManager(transport, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	id, err := m.Subscribe("positions", Filter{}, func(Message) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(fs.subscriptions()) >= 2 }, 3*time.Second, 10*time.Millisecond)
	subs := fs.subscriptions()
	assert.Equal(t, id, subs[0])
	assert.Equal(t, id, subs[1])
	assert.GreaterOrEqual(t, atomic.LoadInt32(&fs.connections), int32(2))
	assert.GreaterOrEqual(t, m.Stats().Reconnects, int64(1))
}

func TestWebSocketTransport_Heartbeat(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	transport := NewWebSocketTransport(WebSocketConfig{
		URL:          wsURL(server),
		PingInterval: 50 * time.Millisecond,
		PongWait:     200 * time.Millisecond,
	}, &mockLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	closed := make(chan error, 1)
	ch, err := transport.Dial(ctx, ChannelEvents{
		OnMessage: func(Message) {},
		OnClose:   func(err error) { closed <- err },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&pings) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, closed, 0, "pongs keep the connection alive")

	require.NoError(t, ch.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, closed, 0, "user close does not report a drop")
}

func TestWebSocketTransport_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	transport := NewWebSocketTransport(WebSocketConfig{URL: wsURL(server)}, &mockLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err := transport.Dial(ctx, ChannelEvents{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}
