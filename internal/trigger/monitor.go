package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"riskguard/internal/core"
	apperrors "riskguard/pkg/errors"
	"riskguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Outcomes recorded on fired triggers
const (
	OutcomePending   = "pending"
	OutcomeClosed    = "closed"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// Fired is one trigger crossing and what became of its closure
type Fired struct {
	AccountID  string
	PositionID string
	Symbol     string
	Reason     core.ClosureReason
	Price      decimal.Decimal
	Threshold  decimal.Decimal
	Key        string
	Outcome    string
	Error      string
	At         time.Time
}

// LiquidationGate reports whether an account is being liquidated; SL/TP stands down then
type LiquidationGate func(accountID string) bool

// Config tunes the monitor
type Config struct {
	HistoryRetention time.Duration
}

// DefaultConfig keeps fired triggers for an hour
func DefaultConfig() Config {
	return Config{HistoryRetention: time.Hour}
}

// MonitorStats counts trigger decisions
type MonitorStats struct {
	Evaluated          int64
	Fired              int64
	SkippedExecuting   int64
	SkippedLiquidation int64
	SkippedFailed      int64
	SkippedClosed      int64
	Closed             int64
	Failed             int64
	Executing          int
}

// Monitor evaluates open positions against streamed prices and submits at most one
// closure per position at a time
type Monitor struct {
	cfg      Config
	executor core.IClosureExecutor
	runner   core.ITaskRunner
	gate     LiquidationGate
	logger   core.ILogger
	metrics  *telemetry.RiskMetrics
	now      func() time.Time

	mu        sync.Mutex
	executing map[string]string
	failed    map[string]string
	closed    map[string]string
	history   map[string]*Fired
	stats     MonitorStats
}

// NewMonitor creates a monitor. runner may be nil to close inline; gate may be nil.
func NewMonitor(cfg Config, executor core.IClosureExecutor, runner core.ITaskRunner, gate LiquidationGate, logger core.ILogger, metrics *telemetry.RiskMetrics) *Monitor {
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultConfig().HistoryRetention
	}
	return &Monitor{
		cfg:       cfg,
		executor:  executor,
		runner:    runner,
		gate:      gate,
		logger:    logger.WithField("component", "trigger_monitor"),
		metrics:   metrics,
		now:       time.Now,
		executing: make(map[string]string),
		failed:    make(map[string]string),
		closed:    make(map[string]string),
		history:   make(map[string]*Fired),
	}
}

// SetClock replaces time.Now
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Key is the idempotency key of a trigger closure: one per position, reason and opening
func Key(reason core.ClosureReason, p core.Position) string {
	return fmt.Sprintf("%s:%s:%d", reason, p.ID, p.OpenedAt.UnixNano())
}

// Check evaluates p at price and submits a closure when a trigger crosses.
// It returns the fired trigger, if one was submitted.
func (m *Monitor) Check(ctx context.Context, p core.Position, price decimal.Decimal) (Fired, bool) {
	if !p.IsOpen() || !p.HasTriggers() {
		return Fired{}, false
	}

	reason, hit := Evaluate(p, price)

	m.mu.Lock()
	m.stats.Evaluated++
	if !hit {
		m.mu.Unlock()
		return Fired{}, false
	}
	if m.gate != nil && m.gate(p.AccountID) {
		m.stats.SkippedLiquidation++
		m.mu.Unlock()
		return Fired{}, false
	}
	if _, busy := m.executing[p.ID]; busy {
		m.stats.SkippedExecuting++
		m.mu.Unlock()
		return Fired{}, false
	}
	key := Key(reason, p)
	if m.failed[p.ID] == key {
		m.stats.SkippedFailed++
		m.mu.Unlock()
		return Fired{}, false
	}
	if closedKey, ok := m.closed[p.ID]; ok && sameOpening(closedKey, p) {
		m.stats.SkippedClosed++
		m.mu.Unlock()
		return Fired{}, false
	}

	now := m.now()
	threshold := p.StopLoss.Decimal
	if reason == core.ReasonTakeProfit {
		threshold = p.TakeProfit.Decimal
	}
	fired := &Fired{
		AccountID:  p.AccountID,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Reason:     reason,
		Price:      price,
		Threshold:  threshold,
		Key:        key,
		Outcome:    OutcomePending,
		At:         now,
	}
	m.executing[p.ID] = key
	m.history[historyKey(p.ID, reason)] = fired
	m.stats.Fired++
	m.pruneLocked(now)
	result := *fired
	m.mu.Unlock()

	m.metrics.RecordTrigger(string(reason))
	m.logger.Info("Trigger fired",
		"account", p.AccountID,
		"position", p.ID,
		"symbol", p.Symbol,
		"reason", reason,
		"price", price.String(),
		"threshold", threshold.String())

	req := core.ClosePositionRequest{
		AccountID:      p.AccountID,
		PositionID:     p.ID,
		Reason:         reason,
		CurrentPrice:   price,
		IdempotencyKey: key,
	}
	if m.runner == nil {
		_, _ = m.execute(ctx, req)
		return result, true
	}
	if err := m.runner.Submit(func() { _, _ = m.execute(ctx, req) }); err != nil {
		m.logger.Warn("Closure dispatch rejected, will retry on next tick", "position", p.ID, "error", err)
		m.finish(req, OutcomeRejected, err)
		return Fired{}, false
	}
	return result, true
}

// Close closes p outside the trigger path, such as on a manual request. It holds the
// position's executing slot for the duration of the call, so Check stands down and a
// second Close fails with ErrDuplicateInFlight.
func (m *Monitor) Close(ctx context.Context, p core.Position, reason core.ClosureReason, price decimal.Decimal) (*core.ClosureResult, error) {
	key := Key(reason, p)

	m.mu.Lock()
	if current, busy := m.executing[p.ID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: position %s is closing under %s", apperrors.ErrDuplicateInFlight, p.ID, current)
	}
	m.executing[p.ID] = key
	m.mu.Unlock()

	return m.execute(ctx, core.ClosePositionRequest{
		AccountID:      p.AccountID,
		PositionID:     p.ID,
		Reason:         reason,
		CurrentPrice:   price,
		IdempotencyKey: key,
	})
}

func (m *Monitor) execute(ctx context.Context, req core.ClosePositionRequest) (*core.ClosureResult, error) {
	res, err := m.executor.ClosePosition(ctx, req)
	switch {
	case err == nil:
		if res != nil {
			m.logger.Info("Position closed", "position", req.PositionID, "reason", req.Reason, "closure", res.ClosureID)
		}
		m.finish(req, OutcomeClosed, nil)
	case apperrors.IsDuplicateInFlight(err):
		m.logger.Debug("Closure already in flight", "position", req.PositionID, "key", req.IdempotencyKey)
		m.finish(req, OutcomeDuplicate, nil)
	default:
		m.logger.Error("Closure failed",
			"position", req.PositionID,
			"reason", req.Reason,
			"key", req.IdempotencyKey,
			"error", err)
		m.finish(req, OutcomeFailed, err)
	}
	return res, err
}

// sameOpening reports whether a closure key belongs to p's current opening
func sameOpening(key string, p core.Position) bool {
	return strings.HasSuffix(key, fmt.Sprintf(":%s:%d", p.ID, p.OpenedAt.UnixNano()))
}

func (m *Monitor) finish(req core.ClosePositionRequest, outcome string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.executing[req.PositionID] == req.IdempotencyKey {
		delete(m.executing, req.PositionID)
	}
	switch outcome {
	case OutcomeClosed:
		m.stats.Closed++
		m.closed[req.PositionID] = req.IdempotencyKey
	case OutcomeFailed:
		m.stats.Failed++
		if req.Reason == core.ReasonStopLoss || req.Reason == core.ReasonTakeProfit {
			m.failed[req.PositionID] = req.IdempotencyKey
		}
	}
	if f, ok := m.history[historyKey(req.PositionID, req.Reason)]; ok && f.Key == req.IdempotencyKey {
		f.Outcome = outcome
		if err != nil {
			f.Error = err.Error()
		}
	}
}

// Release forgets failed and completed closures of a position so the next crossing
// submits again. The engine calls it when the position leaves the book.
func (m *Monitor) Release(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, positionID)
	delete(m.closed, positionID)
}

// IsExecuting reports whether a closure for positionID is in flight
func (m *Monitor) IsExecuting(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.executing[positionID]
	return ok
}

func (m *Monitor) pruneLocked(now time.Time) {
	for k, f := range m.history {
		if now.Sub(f.At) > m.cfg.HistoryRetention {
			delete(m.history, k)
		}
	}
}

// History returns triggers fired within the retention window, newest first
func (m *Monitor) History() []Fired {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	out := make([]Fired, 0, len(m.history))
	for _, f := range m.history {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out
}

// Stats returns trigger counters
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Executing = len(m.executing)
	return s
}

func historyKey(positionID string, reason core.ClosureReason) string {
	return positionID + "/" + string(reason)
}
