package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"riskguard/internal/core"
	"riskguard/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type fakeChannel struct {
	mu     sync.Mutex
	events ChannelEvents
	subs   []Binding
	unsubs []string
	closed bool
}

func (c *fakeChannel) Subscribe(b Binding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, b)
	return nil
}

func (c *fakeChannel) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, id)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) bindings() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Binding, len(c.subs))
	copy(out, c.subs)
	return out
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) deliver(msg Message) { c.events.OnMessage(msg) }
func (c *fakeChannel) drop(err error)      { c.events.OnClose(err) }

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	block    bool
	dials    int
	channels []*fakeChannel
}

func (t *fakeTransport) Dial(ctx context.Context, events ChannelEvents) (Channel, error) {
	t.mu.Lock()
	t.dials++
	if t.failures > 0 {
		t.failures--
		t.mu.Unlock()
		return nil, errors.New("dial tcp: ECONNREFUSED")
	}
	if t.block {
		t.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ch := &fakeChannel{events: events}
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) channel(i int) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.channels) {
		return nil
	}
	return t.channels[i]
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) setBlock(b bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block = b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseGrace = 0
	cfg.Backoff = retry.RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

func waitConnected(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Stats().ByState[StateConnected] == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_SubscribeRoutesByTopicAndFilter(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	var mu sync.Mutex
	var eur, positions []string
	_, err := m.Subscribe("prices", Filter{Keys: []string{"EURUSD"}}, func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		eur = append(eur, string(msg.Payload))
	})
	require.NoError(t, err)
	_, err = m.Subscribe("positions", Filter{Events: []string{"update"}}, func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		positions = append(positions, string(msg.Payload))
	})
	require.NoError(t, err)

	waitConnected(t, m, 1)
	require.Eventually(t, func() bool { return len(tr.channel(0).bindings()) == 2 }, time.Second, 5*time.Millisecond)
	ch := tr.channel(0)

	ch.deliver(Message{Topic: "prices", Key: "EURUSD", Payload: []byte("1")})
	ch.deliver(Message{Topic: "prices", Key: "GBPUSD", Payload: []byte("x")})
	ch.deliver(Message{Topic: "positions", Event: "delete", Payload: []byte("x")})
	ch.deliver(Message{Topic: "positions", Event: "update", Payload: []byte("p1")})
	ch.deliver(Message{Topic: "prices", Key: "EURUSD", Payload: []byte("2")})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, eur)
	assert.Equal(t, []string{"p1"}, positions)
}

func TestManager_PreservesDeliveryOrder(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	var got []int
	_, err := m.Subscribe("prices", Filter{}, func(msg Message) {
		got = append(got, int(msg.Payload[0]))
	})
	require.NoError(t, err)
	waitConnected(t, m, 1)

	for i := 0; i < 100; i++ {
		tr.channel(0).deliver(Message{Topic: "prices", Payload: []byte{byte(i)}})
	}

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestManager_PoolPlacement(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.MaxConnections = 2
	cfg.MaxSubscriptionsPerConn = 2
	m := NewManager(tr, cfg, &mockLogger{}, nil)
	defer m.Close()

	noop := func(Message) {}
	for i := 0; i < 5; i++ {
		_, err := m.Subscribe("prices", Filter{}, noop)
		require.NoError(t, err, "pool at cap must fall back to the least-loaded connection")
	}

	st := m.Stats()
	assert.Equal(t, 2, st.Connections)
	assert.Equal(t, 5, st.Subscriptions)

	m.mu.Lock()
	loads := []int{len(m.conns[0].subs), len(m.conns[1].subs)}
	m.mu.Unlock()
	assert.ElementsMatch(t, []int{3, 2}, loads)
}

func TestManager_PrefersConnectionCarryingTopic(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.MaxSubscriptionsPerConn = 2
	m := NewManager(tr, cfg, &mockLogger{}, nil)
	defer m.Close()

	noop := func(Message) {}
	_, err := m.Subscribe("prices", Filter{}, noop)
	require.NoError(t, err)
	_, err = m.Subscribe("positions", Filter{}, noop)
	require.NoError(t, err)
	_, err = m.Subscribe("profiles", Filter{}, noop)
	require.NoError(t, err)
	_, err = m.Subscribe("profiles", Filter{}, noop)
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.conns, 2)
	assert.Equal(t, 2, m.conns[1].topics["profiles"])
}

func TestManager_ReconnectReRegistersSubscriptions(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	var mu sync.Mutex
	var transitions []State
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, c.To)
	})

	var received int32
	id, err := m.Subscribe("prices", Filter{}, func(Message) { atomic.AddInt32(&received, 1) })
	require.NoError(t, err)
	waitConnected(t, m, 1)
	require.Eventually(t, func() bool { return len(tr.channel(0).bindings()) == 1 }, time.Second, 5*time.Millisecond)

	tr.channel(0).drop(errors.New("connection reset by peer"))

	require.Eventually(t, func() bool {
		ch := tr.channel(1)
		return ch != nil && len(ch.bindings()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	waitConnected(t, m, 1)

	assert.True(t, tr.channel(0).isClosed())
	assert.Equal(t, id, tr.channel(1).bindings()[0].SubscriptionID)

	tr.channel(1).deliver(Message{Topic: "prices"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))

	st := m.Stats()
	assert.Equal(t, int64(1), st.Reconnects)
	assert.Equal(t, 1, st.Subscriptions)

	expected := []State{StateConnecting, StateConnected, StateReconnecting, StateConnecting, StateConnected}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(expected, transitions)
	}, time.Second, 5*time.Millisecond)
}

func TestManager_DialFailuresBackOffAndRecover(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	m := NewManager(tr, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	var errorStates int32
	m.OnStateChange(func(c StateChange) {
		if c.To == StateError {
			atomic.AddInt32(&errorStates, 1)
		}
	})

	_, err := m.Subscribe("prices", Filter{}, func(Message) {})
	require.NoError(t, err)

	waitConnected(t, m, 1)
	assert.Equal(t, 3, tr.dialCount())
	assert.Equal(t, int32(2), atomic.LoadInt32(&errorStates))
	assert.Equal(t, int64(2), m.Stats().Reconnects)
	assert.Len(t, tr.channel(0).bindings(), 1)
}

func TestManager_UnsubscribeClosesEmptyConnection(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	id, err := m.Subscribe("prices", Filter{}, func(Message) {})
	require.NoError(t, err)
	waitConnected(t, m, 1)

	require.NoError(t, m.Unsubscribe(id))

	require.Eventually(t, func() bool { return m.Stats().Connections == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, tr.channel(0).isClosed())
	assert.Contains(t, tr.channel(0).unsubs, id)

	assert.Error(t, m.Unsubscribe(id))
}

func TestManager_HealthCheckAbortsStuckConnect(t *testing.T) {
	tr := &fakeTransport{block: true}
	cfg := testConfig()
	cfg.ConnectTimeout = time.Hour
	m := NewManager(tr, cfg, &mockLogger{}, nil)
	defer m.Close()

	var offset int64
	m.now = func() time.Time { return time.Now().Add(time.Duration(atomic.LoadInt64(&offset))) }

	_, err := m.Subscribe("prices", Filter{}, func(Message) {})
	require.NoError(t, err)
	// Dial is entered only after the attempt's cancel func is registered
	require.Eventually(t, func() bool { return tr.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Stats().ByState[StateConnecting])

	tr.setBlock(false)
	atomic.StoreInt64(&offset, int64(2*time.Hour))
	m.CheckHealth()

	waitConnected(t, m, 1)
	assert.GreaterOrEqual(t, tr.dialCount(), 2)
}

func TestManager_HealthCheckClosesIdleConnections(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.CloseGrace = time.Hour
	m := NewManager(tr, cfg, &mockLogger{}, nil)
	defer m.Close()

	var offset int64
	m.now = func() time.Time { return time.Now().Add(time.Duration(atomic.LoadInt64(&offset))) }

	id, err := m.Subscribe("prices", Filter{}, func(Message) {})
	require.NoError(t, err)
	waitConnected(t, m, 1)
	require.NoError(t, m.Unsubscribe(id))

	m.CheckHealth()
	assert.Equal(t, 1, m.Stats().Connections, "not idle long enough")

	atomic.StoreInt64(&offset, int64(2*time.Minute))
	m.CheckHealth()
	require.Eventually(t, func() bool { return m.Stats().Connections == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	var calls int32
	_, err := m.Subscribe("prices", Filter{}, func(Message) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("bad payload")
		}
	})
	require.NoError(t, err)
	waitConnected(t, m, 1)

	assert.NotPanics(t, func() {
		tr.channel(0).deliver(Message{Topic: "prices"})
		tr.channel(0).deliver(Message{Topic: "prices"})
	})
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestManager_CloseAndHealth(t *testing.T) {
	tr := &fakeTransport{failures: 1000}
	m := NewManager(tr, testConfig(), &mockLogger{}, nil)

	_, err := m.Subscribe("prices", Filter{}, func(Message) {})
	require.NoError(t, err)
	assert.Error(t, m.Healthy())

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Stats().Connections)

	_, err = m.Subscribe("prices", Filter{}, func(Message) {})
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.NoError(t, m.Close())
}

func TestManager_CloseWaitsForConnectionsOpenedConcurrently(t *testing.T) {
	for i := 0; i < 20; i++ {
		tr := &fakeTransport{}
		cfg := testConfig()
		cfg.MaxConnections = 64
		cfg.MaxSubscriptionsPerConn = 1
		m := NewManager(tr, cfg, &mockLogger{}, nil)

		var wg sync.WaitGroup
		for j := 0; j < 16; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = m.Subscribe("prices", Filter{}, func(Message) {})
			}()
		}
		require.NoError(t, m.Close())

		// Every connection goroutine has exited once Close returns.
		dials := tr.dialCount()
		for k := 0; k < dials; k++ {
			if ch := tr.channel(k); ch != nil {
				assert.True(t, ch.isClosed(), "channel %d left open after Close", k)
			}
		}
		wg.Wait()
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, dials, tr.dialCount(), "dial after Close returned")
	}
}

func TestManager_SubscribeValidation(t *testing.T) {
	m := NewManager(&fakeTransport{}, testConfig(), &mockLogger{}, nil)
	defer m.Close()

	_, err := m.Subscribe("", Filter{}, func(Message) {})
	assert.Error(t, err)
	_, err = m.Subscribe("prices", Filter{}, nil)
	assert.Error(t, err)
}

func TestFilter_Matches(t *testing.T) {
	f := Filter{Events: []string{"insert", "update"}, Keys: []string{"acct-1"}}
	assert.True(t, f.Matches(Message{Event: "update", Key: "acct-1"}))
	assert.False(t, f.Matches(Message{Event: "delete", Key: "acct-1"}))
	assert.False(t, f.Matches(Message{Event: "update", Key: "acct-2"}))
	assert.True(t, Filter{Events: []string{"*"}}.Matches(Message{Event: "delete"}))
	assert.True(t, Filter{}.Matches(Message{}))
}
