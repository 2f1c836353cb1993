// Package stream multiplexes logical feed subscriptions over a bounded pool of
// physical connections and keeps them alive across drops.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"riskguard/internal/core"
	apperrors "riskguard/pkg/errors"
	"riskguard/pkg/retry"
	"riskguard/pkg/telemetry"

	"github.com/google/uuid"
)

// State of a pooled connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// ErrManagerClosed is returned by Subscribe after Close
var ErrManagerClosed = errors.New("stream manager closed")

// Config bounds the pool and tunes reconnection
type Config struct {
	MaxConnections          int
	MaxSubscriptionsPerConn int
	ConnectTimeout          time.Duration
	IdleTimeout             time.Duration
	HealthInterval          time.Duration
	// CloseGrace delays closing a connection whose last subscription went away
	CloseGrace time.Duration
	Backoff    retry.RetryPolicy
}

// DefaultConfig returns the production pool settings
func DefaultConfig() Config {
	return Config{
		MaxConnections:          10,
		MaxSubscriptionsPerConn: 100,
		ConnectTimeout:          10 * time.Second,
		IdleTimeout:             60 * time.Second,
		HealthInterval:          30 * time.Second,
		CloseGrace:              5 * time.Second,
		Backoff:                 retry.ReconnectPolicy,
	}
}

// StateChange is delivered to listeners on every connection transition
type StateChange struct {
	ConnectionID string
	From         State
	To           State
	Err          error
	At           time.Time
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Connections   int
	ByState       map[State]int
	Subscriptions int
	Reconnects    int64
}

type subscription struct {
	id      string
	topic   string
	filter  Filter
	handler Handler
	connID  string
}

type connection struct {
	id            string
	state         State
	stateSince    time.Time
	lastActivity  time.Time
	channel       Channel
	subs          map[string]*subscription
	topics        map[string]int
	retries       int
	closing       bool
	closeCh       chan struct{}
	cancelAttempt context.CancelFunc
}

func (c *connection) carries(topic string) bool {
	return c.topics[topic] > 0
}

func (c *connection) bindings() []Binding {
	out := make([]Binding, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, Binding{SubscriptionID: s.id, Topic: s.topic, Filter: s.filter})
	}
	return out
}

// Manager owns the connection pool and the subscription table
type Manager struct {
	transport Transport
	cfg       Config
	logger    core.ILogger
	metrics   *telemetry.RiskMetrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	conns      []*connection
	subs       map[string]*subscription
	listeners  []func(StateChange)
	reconnects int64
	closed     bool
}

// NewManager creates an empty pool; connections are opened lazily by Subscribe
func NewManager(transport Transport, cfg Config, logger core.ILogger, metrics *telemetry.RiskMetrics) *Manager {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxSubscriptionsPerConn <= 0 {
		cfg.MaxSubscriptionsPerConn = def.MaxSubscriptionsPerConn
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.Backoff.InitialBackoff <= 0 {
		cfg.Backoff = def.Backoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		cfg:       cfg,
		logger:    logger.WithField("component", "stream_manager"),
		metrics:   metrics,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*subscription),
	}
}

// OnStateChange registers a listener for connection transitions
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Subscribe binds a handler to topic events matching filter and returns the subscription id.
// The subscription survives reconnects of its connection.
func (m *Manager) Subscribe(topic string, filter Filter, handler Handler) (string, error) {
	if topic == "" || handler == nil {
		return "", fmt.Errorf("%w: topic and handler are required", apperrors.ErrValidation)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}

	c, created := m.pickConnectionLocked(topic)
	if c == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d connections, none reachable", apperrors.ErrPoolExhausted, len(m.conns))
	}

	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		filter:  filter,
		handler: handler,
		connID:  c.id,
	}
	m.subs[sub.id] = sub
	c.subs[sub.id] = sub
	c.topics[topic]++
	c.lastActivity = m.now()

	var ch Channel
	if c.state == StateConnected {
		ch = c.channel
	}
	m.updateGaugesLocked()
	if created {
		// Counted under mu so a Close that follows waits for this connection.
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if created {
		m.logger.Info("Opening stream connection", "connection", c.id, "topic", topic)
		go m.run(c)
	}

	if ch != nil {
		if err := ch.Subscribe(Binding{SubscriptionID: sub.id, Topic: topic, Filter: filter}); err != nil {
			// The read loop will see the broken channel and re-register on reconnect.
			m.logger.Warn("Subscribe frame failed", "connection", c.id, "subscription", sub.id, "error", err)
		}
	}

	m.logger.Debug("Subscribed", "subscription", sub.id, "topic", topic, "connection", c.id)
	return sub.id, nil
}

// pickConnectionLocked chooses: same-topic with room, any with room, a new one, least loaded
func (m *Manager) pickConnectionLocked(topic string) (*connection, bool) {
	limit := m.cfg.MaxSubscriptionsPerConn

	for _, c := range m.conns {
		if !c.closing && c.carries(topic) && len(c.subs) < limit {
			return c, false
		}
	}
	for _, c := range m.conns {
		if !c.closing && len(c.subs) < limit {
			return c, false
		}
	}
	if len(m.conns) < m.cfg.MaxConnections {
		now := m.now()
		c := &connection{
			id:           uuid.NewString(),
			state:        StateDisconnected,
			stateSince:   now,
			lastActivity: now,
			subs:         make(map[string]*subscription),
			topics:       make(map[string]int),
			closeCh:      make(chan struct{}),
		}
		m.conns = append(m.conns, c)
		return c, true
	}

	var best *connection
	for _, c := range m.conns {
		if c.closing {
			continue
		}
		if best == nil || len(c.subs) < len(best.subs) {
			best = c
		}
	}
	return best, false
}

// Unsubscribe removes a subscription. A connection left with none is closed after CloseGrace.
func (m *Manager) Unsubscribe(subscriptionID string) error {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: subscription %s", apperrors.ErrNotFound, subscriptionID)
	}
	delete(m.subs, subscriptionID)

	c := m.findLocked(sub.connID)
	var ch Channel
	idle := false
	if c != nil {
		delete(c.subs, subscriptionID)
		c.topics[sub.topic]--
		if c.topics[sub.topic] <= 0 {
			delete(c.topics, sub.topic)
		}
		c.lastActivity = m.now()
		if c.state == StateConnected {
			ch = c.channel
		}
		idle = len(c.subs) == 0
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Unsubscribe(subscriptionID); err != nil {
			m.logger.Warn("Unsubscribe frame failed", "subscription", subscriptionID, "error", err)
		}
	}
	if idle {
		m.scheduleIdleClose(c.id)
	}
	return nil
}

func (m *Manager) scheduleIdleClose(connID string) {
	if m.cfg.CloseGrace <= 0 {
		m.closeIfIdle(connID)
		return
	}
	time.AfterFunc(m.cfg.CloseGrace, func() { m.closeIfIdle(connID) })
}

func (m *Manager) closeIfIdle(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.findLocked(connID)
	if c == nil || c.closing || len(c.subs) > 0 {
		return
	}
	c.closing = true
	close(c.closeCh)
	m.logger.Info("Closing idle stream connection", "connection", connID)
}

func (m *Manager) findLocked(connID string) *connection {
	for _, c := range m.conns {
		if c.id == connID {
			return c
		}
	}
	return nil
}

// run owns one pooled connection until it is closed gracefully or the manager stops
func (m *Manager) run(c *connection) {
	defer m.wg.Done()
	defer m.finalize(c)

	for {
		m.transition(c, StateConnecting, nil)

		attemptCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
		m.mu.Lock()
		c.cancelAttempt = cancel
		m.mu.Unlock()

		dropped := make(chan error, 1)
		ch, err := m.transport.Dial(attemptCtx, ChannelEvents{
			OnMessage: func(msg Message) { m.dispatch(c, msg) },
			OnClose: func(err error) {
				select {
				case dropped <- err:
				default:
				}
			},
		})
		cancel()

		if err != nil {
			if m.stopping(c) {
				return
			}
			m.logger.Warn("Stream connect failed", "connection", c.id, "attempt", c.retries+1, "error", err)
			m.transition(c, StateError, err)
			if !m.waitBackoff(c, err) {
				return
			}
			continue
		}

		m.mu.Lock()
		c.channel = ch
		c.cancelAttempt = nil
		c.retries = 0
		c.lastActivity = m.now()
		bindings := c.bindings()
		change := m.setStateLocked(c, StateConnected, nil)
		m.mu.Unlock()
		m.emit(change)

		m.logger.Info("Stream connected", "connection", c.id, "subscriptions", len(bindings))
		for _, b := range bindings {
			if err := ch.Subscribe(b); err != nil {
				m.logger.Warn("Re-register failed", "connection", c.id, "subscription", b.SubscriptionID, "error", err)
			}
		}

		select {
		case err := <-dropped:
			m.mu.Lock()
			c.channel = nil
			m.mu.Unlock()
			_ = ch.Close()
			m.logger.Warn("Stream connection dropped", "connection", c.id, "error", err)
			if !m.waitBackoff(c, err) {
				return
			}
		case <-c.closeCh:
			_ = ch.Close()
			return
		case <-m.ctx.Done():
			_ = ch.Close()
			return
		}
	}
}

func (m *Manager) stopping(c *connection) bool {
	select {
	case <-c.closeCh:
		return true
	case <-m.ctx.Done():
		return true
	default:
		return false
	}
}

// waitBackoff moves c to reconnecting and sleeps; false means stop
func (m *Manager) waitBackoff(c *connection, cause error) bool {
	m.mu.Lock()
	delay := m.cfg.Backoff.Delay(c.retries)
	c.retries++
	m.reconnects++
	change := m.setStateLocked(c, StateReconnecting, cause)
	m.mu.Unlock()
	m.emit(change)
	m.metrics.RecordReconnect()

	m.logger.Info("Reconnecting stream", "connection", c.id, "delay", delay.String(), "retry", c.retries)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.closeCh:
		return false
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) finalize(c *connection) {
	m.mu.Lock()
	change := m.setStateLocked(c, StateDisconnected, nil)
	c.channel = nil
	for i, existing := range m.conns {
		if existing == c {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			break
		}
	}
	// Subscriptions still bound here (manager shutdown) are dropped with it.
	for id := range c.subs {
		delete(m.subs, id)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.emit(change)
	m.logger.Info("Stream connection closed", "connection", c.id)
}

func (m *Manager) transition(c *connection, to State, err error) {
	m.mu.Lock()
	change := m.setStateLocked(c, to, err)
	m.mu.Unlock()
	m.emit(change)
}

func (m *Manager) setStateLocked(c *connection, to State, err error) *StateChange {
	if c.state == to {
		return nil
	}
	now := m.now()
	change := &StateChange{ConnectionID: c.id, From: c.state, To: to, Err: err, At: now}
	c.state = to
	c.stateSince = now
	m.updateGaugesLocked()
	return change
}

func (m *Manager) emit(change *StateChange) {
	if change == nil {
		return
	}
	m.mu.Lock()
	listeners := make([]func(StateChange), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(*change)
	}
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	byState := make(map[string]int64)
	for _, c := range m.conns {
		byState[string(c.state)]++
	}
	m.metrics.SetStreamConnections(byState)
	m.metrics.SetStreamSubscriptions(int64(len(m.subs)))
}

// dispatch routes one message to matching subscriptions on c, in arrival order
func (m *Manager) dispatch(c *connection, msg Message) {
	m.mu.Lock()
	c.lastActivity = m.now()
	handlers := make([]Handler, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.topic == msg.Topic && sub.filter.Matches(msg) {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.invoke(h, msg)
	}
}

func (m *Manager) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Subscription handler panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	h(msg)
}

// CheckHealth closes idle empty connections and aborts connects stuck past the timeout
func (m *Manager) CheckHealth() {
	now := m.now()
	var idle []string
	var stuck []context.CancelFunc

	m.mu.Lock()
	for _, c := range m.conns {
		if c.closing {
			continue
		}
		if len(c.subs) == 0 && now.Sub(c.lastActivity) > m.cfg.IdleTimeout {
			idle = append(idle, c.id)
		}
		if c.state == StateConnecting && now.Sub(c.stateSince) > m.cfg.ConnectTimeout && c.cancelAttempt != nil {
			m.logger.Warn("Stream connect stuck, forcing reconnect", "connection", c.id)
			stuck = append(stuck, c.cancelAttempt)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.closeIfIdle(id)
	}
	for _, cancel := range stuck {
		cancel()
	}
}

// Stats returns a snapshot of the pool
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Connections:   len(m.conns),
		ByState:       make(map[State]int),
		Subscriptions: len(m.subs),
		Reconnects:    m.reconnects,
	}
	for _, c := range m.conns {
		st.ByState[c.state]++
	}
	return st
}

// Healthy reports an error when subscriptions exist but no connection is up
func (m *Manager) Healthy() error {
	st := m.Stats()
	if st.Subscriptions > 0 && st.ByState[StateConnected] == 0 {
		return fmt.Errorf("no connected stream (%d connections, %d subscriptions)", st.Connections, st.Subscriptions)
	}
	return nil
}

// Run drives the periodic health check until ctx is done, then closes the pool
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.Close()
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// Close stops every connection and waits for their goroutines
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("Stream manager closed")
	return nil
}
