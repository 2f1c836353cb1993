package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricClosureAttemptsTotal  = "riskguard_closure_attempts_total"
	MetricClosureOutcomesTotal  = "riskguard_closure_outcomes_total"
	MetricClosureLatency        = "riskguard_closure_latency_ms"
	MetricRPCRetriesTotal       = "riskguard_rpc_retries_total"
	MetricIdempotencyTotal      = "riskguard_idempotency_total"
	MetricStreamReconnectsTotal = "riskguard_stream_reconnects_total"
	MetricStreamConnections     = "riskguard_stream_connections"
	MetricStreamSubscriptions   = "riskguard_stream_subscriptions"
	MetricMarginLevel           = "riskguard_margin_level"
	MetricCloseOnly             = "riskguard_close_only"
	MetricMarginCallsTotal      = "riskguard_margin_call_transitions_total"
	MetricTriggersFiredTotal    = "riskguard_triggers_fired_total"
	MetricFeedEventsTotal       = "riskguard_feed_events_total"
)

// RiskMetrics holds the engine instruments. A nil *RiskMetrics is a valid no-op.
type RiskMetrics struct {
	ClosureAttempts   metric.Int64Counter
	ClosureOutcomes   metric.Int64Counter
	ClosureLatency    metric.Float64Histogram
	RPCRetries        metric.Int64Counter
	Idempotency       metric.Int64Counter
	StreamReconnects  metric.Int64Counter
	MarginCalls       metric.Int64Counter
	TriggersFired     metric.Int64Counter
	FeedEvents        metric.Int64Counter
	StreamConnections metric.Int64ObservableGauge
	StreamSubs        metric.Int64ObservableGauge
	MarginLevel       metric.Float64ObservableGauge
	CloseOnly         metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	connections    map[string]int64
	subscriptions  int64
	marginLevelMap map[string]float64
	closeOnlyMap   map[string]int64
}

// NewRiskMetrics registers all instruments on the meter
func NewRiskMetrics(meter metric.Meter) (*RiskMetrics, error) {
	m := &RiskMetrics{
		connections:    make(map[string]int64),
		marginLevelMap: make(map[string]float64),
		closeOnlyMap:   make(map[string]int64),
	}
	if err := m.init(meter); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RiskMetrics) init(meter metric.Meter) error {
	var err error

	if m.ClosureAttempts, err = meter.Int64Counter(MetricClosureAttemptsTotal, metric.WithDescription("Closure RPC invocations")); err != nil {
		return err
	}
	if m.ClosureOutcomes, err = meter.Int64Counter(MetricClosureOutcomesTotal, metric.WithDescription("Closure requests by final outcome")); err != nil {
		return err
	}
	if m.ClosureLatency, err = meter.Float64Histogram(MetricClosureLatency, metric.WithDescription("End-to-end closure latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.RPCRetries, err = meter.Int64Counter(MetricRPCRetriesTotal, metric.WithDescription("Closure RPC retries after transient errors")); err != nil {
		return err
	}
	if m.Idempotency, err = meter.Int64Counter(MetricIdempotencyTotal, metric.WithDescription("Idempotency coordinator decisions")); err != nil {
		return err
	}
	if m.StreamReconnects, err = meter.Int64Counter(MetricStreamReconnectsTotal, metric.WithDescription("Stream connection reconnect attempts")); err != nil {
		return err
	}
	if m.MarginCalls, err = meter.Int64Counter(MetricMarginCallsTotal, metric.WithDescription("Margin call lifecycle transitions")); err != nil {
		return err
	}
	if m.TriggersFired, err = meter.Int64Counter(MetricTriggersFiredTotal, metric.WithDescription("Stop-loss and take-profit triggers fired")); err != nil {
		return err
	}
	if m.FeedEvents, err = meter.Int64Counter(MetricFeedEventsTotal, metric.WithDescription("Feed events by kind and outcome")); err != nil {
		return err
	}

	m.StreamConnections, err = meter.Int64ObservableGauge(MetricStreamConnections, metric.WithDescription("Pooled stream connections by state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for state, val := range m.connections {
				obs.Observe(val, metric.WithAttributes(attribute.String("state", state)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.StreamSubs, err = meter.Int64ObservableGauge(MetricStreamSubscriptions, metric.WithDescription("Active logical subscriptions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.subscriptions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarginLevel, err = meter.Float64ObservableGauge(MetricMarginLevel, metric.WithDescription("Latest margin level per account (percent)"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.marginLevelMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CloseOnly, err = meter.Int64ObservableGauge(MetricCloseOnly, metric.WithDescription("Close-only enforcement per account (1=enforced)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.closeOnlyMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	return err
}

func (m *RiskMetrics) RecordClosureAttempt(reason string) {
	if m == nil {
		return
	}
	m.ClosureAttempts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *RiskMetrics) RecordClosureOutcome(reason, outcome string, latencyMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason), attribute.String("outcome", outcome))
	m.ClosureOutcomes.Add(context.Background(), 1, attrs)
	m.ClosureLatency.Record(context.Background(), latencyMs, attrs)
}

func (m *RiskMetrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.RPCRetries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordIdempotency counts a coordinator decision: executed, cached, duplicate or failed
func (m *RiskMetrics) RecordIdempotency(decision string) {
	if m == nil {
		return
	}
	m.Idempotency.Add(context.Background(), 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *RiskMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Add(context.Background(), 1)
}

func (m *RiskMetrics) RecordMarginCall(transition string) {
	if m == nil {
		return
	}
	m.MarginCalls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("transition", transition)))
}

func (m *RiskMetrics) RecordTrigger(reason string) {
	if m == nil {
		return
	}
	m.TriggersFired.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *RiskMetrics) RecordFeedEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.FeedEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome)))
}

// Helpers to update observable state

func (m *RiskMetrics) SetStreamConnections(byState map[string]int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = byState
}

func (m *RiskMetrics) SetStreamSubscriptions(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = n
}

func (m *RiskMetrics) SetMarginLevel(account string, level float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marginLevelMap[account] = level
}

func (m *RiskMetrics) SetCloseOnly(account string, enforced bool) {
	if m == nil {
		return
	}
	val := int64(0)
	if enforced {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeOnlyMap[account] = val
}

// DropAccount removes the account's margin level and close-only gauges
func (m *RiskMetrics) DropAccount(account string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marginLevelMap, account)
	delete(m.closeOnlyMap, account)
}

func (m *RiskMetrics) GetMarginLevels() map[string]float64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.marginLevelMap))
	for k, v := range m.marginLevelMap {
		res[k] = v
	}
	return res
}
