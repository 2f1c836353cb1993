package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"riskguard/internal/core"
	apperrors "riskguard/pkg/errors"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WebSocketConfig configures the realtime feed endpoint
type WebSocketConfig struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// WebSocketTransport dials the realtime feed over gorilla/websocket
type WebSocketTransport struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger core.ILogger
}

// NewWebSocketTransport creates a transport for cfg.URL
func NewWebSocketTransport(cfg WebSocketConfig, logger core.ILogger) *WebSocketTransport {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &WebSocketTransport{
		cfg:    cfg,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger: logger.WithField("component", "ws_transport"),
	}
}

type wireFrame struct {
	Action string   `json:"action"`
	ID     string   `json:"id"`
	Topic  string   `json:"topic,omitempty"`
	Events []string `json:"events,omitempty"`
	Keys   []string `json:"keys,omitempty"`
}

type wireEnvelope struct {
	Topic   string             `json:"topic"`
	Event   string             `json:"event"`
	Key     string             `json:"key"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Dial opens a websocket and starts its read and heartbeat loops
func (t *WebSocketTransport) Dial(ctx context.Context, events ChannelEvents) (Channel, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, &apperrors.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("%w: dial %s: %w", apperrors.ErrNetwork, t.cfg.URL, err)
	}

	ch := &wsChannel{
		conn:   conn,
		cfg:    t.cfg,
		events: events,
		done:   make(chan struct{}),
		logger: t.logger,
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	go ch.readLoop()
	go ch.pingLoop()
	return ch, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	events ChannelEvents
	logger core.ILogger

	writeMu      sync.Mutex
	done         chan struct{}
	once         sync.Once
	closedByUser atomic.Bool
}

func (c *wsChannel) Subscribe(b Binding) error {
	return c.writeFrame(wireFrame{
		Action: "subscribe",
		ID:     b.SubscriptionID,
		Topic:  b.Topic,
		Events: b.Filter.Events,
		Keys:   b.Filter.Keys,
	})
}

func (c *wsChannel) Unsubscribe(subscriptionID string) error {
	return c.writeFrame(wireFrame{Action: "unsubscribe", ID: subscriptionID})
}

func (c *wsChannel) writeFrame(f wireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	c.closedByUser.Store(true)
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *wsChannel) shutdown(cause error) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		if !c.closedByUser.Load() && c.events.OnClose != nil {
			c.events.OnClose(cause)
		}
	})
}

func (c *wsChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("Dropping undecodable frame", "error", err)
			continue
		}
		if env.Topic == "" {
			// acks and server notices
			continue
		}
		if c.events.OnMessage != nil {
			c.events.OnMessage(Message{
				Topic:      env.Topic,
				Event:      env.Event,
				Key:        env.Key,
				Payload:    []byte(env.Payload),
				ReceivedAt: time.Now(),
			})
		}
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
