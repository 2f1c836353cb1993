// Package engine keeps the per-account snapshot cache and drives margin
// escalation and stop-loss/take-profit triggers from the realtime feed
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"riskguard/internal/core"
	"riskguard/internal/feed"
	"riskguard/internal/margin"
	"riskguard/internal/stream"
	"riskguard/internal/trigger"
	apperrors "riskguard/pkg/errors"
	"riskguard/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning is reported by Healthy before Start or after Stop
var ErrNotRunning = errors.New("risk engine not running")

// Subscriber is the part of the stream manager the engine needs
type Subscriber interface {
	Subscribe(topic string, filter stream.Filter, handler stream.Handler) (string, error)
	Unsubscribe(subscriptionID string) error
}

// MarginEscalator advances margin call episodes
type MarginEscalator interface {
	Evaluate(ctx context.Context, snap margin.AccountSnapshot) margin.Decision
	RetryLiquidation(ctx context.Context, snap margin.AccountSnapshot) (*core.LiquidationResult, error)
	ShouldEnforceCloseOnly(accountID string) bool
	Forget(ctx context.Context, accountID string) bool
}

// TriggerChecker fires stop-loss and take-profit closures
type TriggerChecker interface {
	Check(ctx context.Context, p core.Position, price decimal.Decimal) (trigger.Fired, bool)
	Close(ctx context.Context, p core.Position, reason core.ClosureReason, price decimal.Decimal) (*core.ClosureResult, error)
	Release(positionID string)
}

// Config scopes the engine to accounts and symbols. Empty lists subscribe to everything.
type Config struct {
	Accounts          []string
	Symbols           []string
	Thresholds        margin.Thresholds
	CoalesceThreshold float64
}

// Stats counts engine activity
type Stats struct {
	Accounts      int
	Positions     int
	Symbols       int
	Evaluations   int64
	Coalesced     int64
	InvalidEvents int64
	StalePrices   int64
	TriggersFired int64
}

type accountState struct {
	// evalMu keeps snapshots of one account reaching the escalator in order
	evalMu sync.Mutex

	profile    core.AccountProfile
	hasProfile bool
	positions  map[string]core.Position
	baseline   map[string]core.Position
	lastStatus margin.Status
	evaluated  bool
}

// RiskEngine routes feed events into the escalator and trigger monitor
type RiskEngine struct {
	cfg       Config
	sub       Subscriber
	escalator MarginEscalator
	monitor   TriggerChecker
	logger    core.ILogger
	metrics   *telemetry.RiskMetrics
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.RWMutex
	accounts map[string]*accountState
	prices   map[string]core.PriceUpdate
	subIDs   []string
	runCtx   context.Context
	stats    Stats
	running  atomic.Bool
}

// NewRiskEngine wires the engine. sub may be nil when events are applied directly.
func NewRiskEngine(
	cfg Config,
	sub Subscriber,
	escalator MarginEscalator,
	monitor TriggerChecker,
	logger core.ILogger,
	metrics *telemetry.RiskMetrics,
) *RiskEngine {
	if cfg.Thresholds == (margin.Thresholds{}) {
		cfg.Thresholds = margin.DefaultThresholds()
	}
	return &RiskEngine{
		cfg:       cfg,
		sub:       sub,
		escalator: escalator,
		monitor:   monitor,
		logger:    logger.WithField("component", "risk_engine"),
		metrics:   metrics,
		tracer:    telemetry.GetTracer("risk-engine"),
		now:       time.Now,
		accounts:  make(map[string]*accountState),
		prices:    make(map[string]core.PriceUpdate),
		runCtx:    context.Background(),
	}
}

// SetClock replaces time.Now
func (e *RiskEngine) SetClock(now func() time.Time) {
	e.now = now
}

// Start subscribes to the price, position and profile feeds
func (e *RiskEngine) Start(ctx context.Context) error {
	if e.sub == nil {
		return fmt.Errorf("%w: no stream subscriber", apperrors.ErrValidation)
	}
	e.logger.Info("Starting risk engine", "accounts", e.cfg.Accounts, "symbols", e.cfg.Symbols)

	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	feeds := []struct {
		topic  string
		filter stream.Filter
	}{
		{feed.TopicPrices, stream.Filter{Keys: e.cfg.Symbols}},
		{feed.TopicPositions, stream.Filter{Keys: e.cfg.Accounts}},
		{feed.TopicProfiles, stream.Filter{Keys: e.cfg.Accounts}},
	}

	var idsMu sync.Mutex
	var ids []string
	g, _ := errgroup.WithContext(ctx)
	for _, f := range feeds {
		f := f
		g.Go(func() error {
			id, err := e.sub.Subscribe(f.topic, f.filter, e.HandleMessage)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", f.topic, err)
			}
			idsMu.Lock()
			ids = append(ids, id)
			idsMu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	e.mu.Lock()
	e.subIDs = ids
	e.mu.Unlock()

	if err != nil {
		e.Stop()
		return err
	}
	e.running.Store(true)
	return nil
}

// Stop drops the feed subscriptions
func (e *RiskEngine) Stop() {
	e.running.Store(false)

	e.mu.Lock()
	ids := e.subIDs
	e.subIDs = nil
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.sub.Unsubscribe(id); err != nil {
			e.logger.Warn("Unsubscribe failed", "subscription", id, "error", err)
		}
	}
	e.logger.Info("Risk engine stopped")
}

// Run starts the engine and blocks until ctx is done
func (e *RiskEngine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// Healthy reports ErrNotRunning unless the feeds are subscribed
func (e *RiskEngine) Healthy() error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	return nil
}

// HandleMessage is the stream handler for all three feeds. Malformed events are
// dropped without touching state.
func (e *RiskEngine) HandleMessage(msg stream.Message) {
	ev, err := feed.Decode(msg)
	if err != nil {
		e.metrics.RecordFeedEvent(msg.Topic, "invalid")
		e.mu.Lock()
		e.stats.InvalidEvents++
		e.mu.Unlock()
		e.logger.Warn("Dropping invalid feed event", "topic", msg.Topic, "key", msg.Key, "error", err)
		return
	}

	e.mu.RLock()
	ctx := e.runCtx
	e.mu.RUnlock()

	switch ev := ev.(type) {
	case core.PriceUpdate:
		e.ApplyPrice(ctx, ev)
	case core.PositionEvent:
		e.ApplyPosition(ctx, ev)
	case core.ProfileEvent:
		e.ApplyProfile(ctx, ev)
	}
	e.metrics.RecordFeedEvent(msg.Topic, "applied")
}

// ApplyPrice marks every open position on the symbol to the tick, re-evaluates the
// affected accounts, then checks their triggers. Ticks older than the last one are ignored.
func (e *RiskEngine) ApplyPrice(ctx context.Context, u core.PriceUpdate) {
	ctx, span := e.tracer.Start(ctx, "ApplyPrice", trace.WithAttributes(
		attribute.String("symbol", u.Symbol),
		attribute.String("price", u.Price.String()),
	))
	defer span.End()

	e.mu.Lock()
	if last, ok := e.prices[u.Symbol]; ok && u.Timestamp.Before(last.Timestamp) {
		e.stats.StalePrices++
		e.mu.Unlock()
		e.logger.Debug("Ignoring out-of-order tick", "symbol", u.Symbol, "ts", u.Timestamp)
		return
	}
	e.prices[u.Symbol] = u

	var touched []string
	var repriced []core.Position
	for accountID, acct := range e.accounts {
		hit := false
		for id, p := range acct.positions {
			if p.Symbol != u.Symbol || !p.IsOpen() {
				continue
			}
			p = p.Reprice(u.Price)
			acct.positions[id] = p
			repriced = append(repriced, p)
			hit = true
		}
		if hit {
			touched = append(touched, accountID)
		}
	}
	e.mu.Unlock()

	sort.Strings(touched)
	for _, accountID := range touched {
		e.evaluate(ctx, accountID, false)
	}
	sort.Slice(repriced, func(i, j int) bool { return repriced[i].ID < repriced[j].ID })
	for _, p := range repriced {
		e.checkTrigger(ctx, p, u.Price)
	}
}

// ApplyPosition upserts or removes a position and re-evaluates its account
func (e *RiskEngine) ApplyPosition(ctx context.Context, ev core.PositionEvent) {
	p := ev.Position
	removed := ev.Change == core.ChangeDelete || p.Status == core.PositionClosed

	e.mu.Lock()
	acct := e.accountLocked(p.AccountID)
	if removed {
		delete(acct.positions, p.ID)
	} else {
		if u, ok := e.prices[p.Symbol]; ok && p.IsOpen() {
			p = p.Reprice(u.Price)
		}
		acct.positions[p.ID] = p
	}
	e.mu.Unlock()

	if removed {
		e.monitor.Release(p.ID)
		e.logger.Debug("Position removed", "account", p.AccountID, "position", p.ID)
	}
	e.evaluate(ctx, p.AccountID, false)

	if !removed && p.IsOpen() && p.CurrentPrice.IsPositive() {
		e.checkTrigger(ctx, p, p.CurrentPrice)
	}
}

// ApplyProfile updates an account's balance and re-evaluates it. A deleted profile
// drops the account from the cache and closes any margin call left open for it.
func (e *RiskEngine) ApplyProfile(ctx context.Context, ev core.ProfileEvent) {
	accountID := ev.Profile.AccountID

	e.mu.Lock()
	if ev.Change == core.ChangeDelete {
		delete(e.accounts, accountID)
		e.mu.Unlock()
		e.escalator.Forget(ctx, accountID)
		e.logger.Info("Account profile deleted", "account", accountID)
		return
	}
	acct := e.accountLocked(accountID)
	acct.profile = ev.Profile
	acct.hasProfile = true
	e.mu.Unlock()

	e.evaluate(ctx, accountID, true)
}

// Reevaluate classifies every known account again so dwell-based escalation
// progresses without new ticks. It returns the number of accounts evaluated.
func (e *RiskEngine) Reevaluate(ctx context.Context) int {
	e.mu.RLock()
	ids := make([]string, 0, len(e.accounts))
	for id, acct := range e.accounts {
		if acct.hasProfile {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	sort.Strings(ids)
	n := 0
	for _, id := range ids {
		if _, ok := e.evaluate(ctx, id, true); ok {
			n++
		}
	}
	return n
}

// IsCloseOnly reports whether the account may only reduce exposure
func (e *RiskEngine) IsCloseOnly(accountID string) bool {
	return e.escalator.ShouldEnforceCloseOnly(accountID)
}

// ClosePosition closes an open position on request. The key is scoped to the
// position's opening, and the close holds the position's executing slot in the
// trigger monitor so SL/TP cannot submit alongside it.
func (e *RiskEngine) ClosePosition(ctx context.Context, accountID, positionID string) (*core.ClosureResult, error) {
	e.mu.RLock()
	var p core.Position
	ok := false
	if acct := e.accounts[accountID]; acct != nil {
		p, ok = acct.positions[positionID]
	}
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: position %s on account %s", apperrors.ErrNotFound, positionID, accountID)
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("%w: position %s is %s", apperrors.ErrValidation, positionID, p.Status)
	}

	e.logger.Info("Manual close requested", "account", accountID, "position", positionID)
	return e.monitor.Close(ctx, p, core.ReasonManual, p.CurrentPrice)
}

// RetryLiquidation re-issues the account's failed cascade with its current positions
func (e *RiskEngine) RetryLiquidation(ctx context.Context, accountID string) (*core.LiquidationResult, error) {
	snap, ok := e.Snapshot(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: account %s", apperrors.ErrNotFound, accountID)
	}
	return e.escalator.RetryLiquidation(ctx, snap)
}

// Snapshot returns the account's current margin state and open positions
func (e *RiskEngine) Snapshot(accountID string) (margin.AccountSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acct := e.accounts[accountID]
	if acct == nil || !acct.hasProfile {
		return margin.AccountSnapshot{}, false
	}
	return e.snapshotLocked(accountID, acct), true
}

// Stats returns engine counters
func (e *RiskEngine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.stats
	s.Accounts = len(e.accounts)
	s.Symbols = len(e.prices)
	for _, acct := range e.accounts {
		s.Positions += len(acct.positions)
	}
	return s
}

func (e *RiskEngine) accountLocked(accountID string) *accountState {
	acct := e.accounts[accountID]
	if acct == nil {
		acct = &accountState{
			positions: make(map[string]core.Position),
			baseline:  make(map[string]core.Position),
		}
		e.accounts[accountID] = acct
	}
	return acct
}

// evaluate hands the account's snapshot to the escalator unless force is false
// and every change since the last evaluation coalesces within the same band
func (e *RiskEngine) evaluate(ctx context.Context, accountID string, force bool) (margin.Decision, bool) {
	e.mu.RLock()
	acct := e.accounts[accountID]
	e.mu.RUnlock()
	if acct == nil {
		return margin.Decision{}, false
	}

	acct.evalMu.Lock()
	defer acct.evalMu.Unlock()

	e.mu.Lock()
	if !acct.hasProfile {
		e.mu.Unlock()
		return margin.Decision{}, false
	}
	snap := e.snapshotLocked(accountID, acct)
	if !force && e.coalesceLocked(acct, snap) {
		e.stats.Coalesced++
		e.mu.Unlock()
		return margin.Decision{}, false
	}
	acct.baseline = make(map[string]core.Position, len(acct.positions))
	for id, p := range acct.positions {
		acct.baseline[id] = p
	}
	acct.evaluated = true
	e.stats.Evaluations++
	e.mu.Unlock()

	d := e.escalator.Evaluate(ctx, snap)

	e.mu.Lock()
	acct.lastStatus = d.Assessment.Status
	e.mu.Unlock()
	return d, true
}

func (e *RiskEngine) coalesceLocked(acct *accountState, snap margin.AccountSnapshot) bool {
	if e.cfg.CoalesceThreshold <= 0 || !acct.evaluated || len(acct.baseline) != len(acct.positions) {
		return false
	}
	for id, p := range acct.positions {
		prev, ok := acct.baseline[id]
		if !ok || !feed.ShouldCoalesce(prev, p, e.cfg.CoalesceThreshold) {
			return false
		}
	}
	level := margin.Level(snap.State.Equity, snap.State.MarginUsed)
	return e.cfg.Thresholds.Classify(level) == acct.lastStatus
}

// snapshotLocked derives equity as balance plus unrealized P&L, and margin used,
// over the account's open positions
func (e *RiskEngine) snapshotLocked(accountID string, acct *accountState) margin.AccountSnapshot {
	equity := acct.profile.Balance
	used := decimal.Zero
	positions := make([]core.Position, 0, len(acct.positions))
	for _, p := range acct.positions {
		if !p.IsOpen() {
			continue
		}
		equity = equity.Add(p.UnrealizedPnL)
		used = used.Add(p.MarginUsed)
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })

	return margin.AccountSnapshot{
		State: core.AccountMarginState{
			AccountID:  accountID,
			Equity:     equity,
			MarginUsed: used,
			UpdatedAt:  e.now(),
		},
		Positions: positions,
	}
}

func (e *RiskEngine) checkTrigger(ctx context.Context, p core.Position, price decimal.Decimal) {
	if _, fired := e.monitor.Check(ctx, p, price); fired {
		e.mu.Lock()
		e.stats.TriggersFired++
		e.mu.Unlock()
	}
}
