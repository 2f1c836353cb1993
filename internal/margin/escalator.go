package margin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"riskguard/internal/core"
	apperrors "riskguard/pkg/errors"
	"riskguard/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// EventStatus is the lifecycle state of a margin call episode
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventNotified  EventStatus = "NOTIFIED"
	EventEscalated EventStatus = "ESCALATED"
	EventResolved  EventStatus = "RESOLVED"
)

// EventSeverity grades an episode by the worst band it reached
type EventSeverity string

const (
	SeverityStandard EventSeverity = "STANDARD"
	SeverityUrgent   EventSeverity = "URGENT"
	SeverityCritical EventSeverity = "CRITICAL"
)

func severityFor(s Status) EventSeverity {
	switch s {
	case StatusLiquidation:
		return SeverityCritical
	case StatusCritical:
		return SeverityUrgent
	}
	return SeverityStandard
}

func (s EventSeverity) notification() core.Severity {
	switch s {
	case SeverityCritical:
		return core.SeverityCritical
	case SeverityUrgent:
		return core.SeverityError
	}
	return core.SeverityWarning
}

// Liquidation states of an escalated episode
const (
	LiquidationNone      = ""
	LiquidationRunning   = "running"
	LiquidationSucceeded = "succeeded"
	LiquidationFailed    = "failed"
)

// ErrNoFailedLiquidation is returned by RetryLiquidation when there is nothing to retry
var ErrNoFailedLiquidation = errors.New("no failed liquidation for account")

// MarginCallEvent is one escalation episode of an account
type MarginCallEvent struct {
	ID                 string
	AccountID          string
	Status             EventStatus
	Severity           EventSeverity
	LastBand           Status
	LowestLevel        float64
	TriggeredAt        time.Time
	ResolvedAt         *time.Time
	EscalatedAt        *time.Time
	LiquidationKey     string
	LiquidationState   string
	LiquidationEventID string
	LiquidationError   string

	criticalSince time.Time
	notifiedBand  Status
}

// Dwell is the time spent in the episode up to now or resolution
func (e MarginCallEvent) Dwell(now time.Time) time.Duration {
	if e.ResolvedAt != nil {
		return e.ResolvedAt.Sub(e.TriggeredAt)
	}
	return now.Sub(e.TriggeredAt)
}

// Policy decides when an open episode escalates to liquidation
type Policy struct {
	EscalateOnLiquidation bool
	CriticalGrace         time.Duration
	NotifyInterval        time.Duration
}

// DefaultPolicy escalates immediately on LIQUIDATION or after 5 minutes of CRITICAL
func DefaultPolicy() Policy {
	return Policy{EscalateOnLiquidation: true, CriticalGrace: 5 * time.Minute, NotifyInterval: time.Minute}
}

// AccountSnapshot is the escalator's input: the margin state and open positions it covers
type AccountSnapshot struct {
	State     core.AccountMarginState
	Positions []core.Position
}

// Transition names emitted on decisions, metrics and audit
const (
	TransitionNone      = ""
	TransitionNotified  = "notified"
	TransitionEscalated = "escalated"
	TransitionResolved  = "resolved"
)

// Decision is the outcome of one evaluation
type Decision struct {
	Assessment           Assessment
	Event                *MarginCallEvent
	Transition           string
	CloseOnly            bool
	LiquidationRequested bool
}

// EscalatorStats summarizes escalator state
type EscalatorStats struct {
	Active       int
	Notified     int
	Escalated    int
	Resolved     int
	Liquidations int
	Failures     int
}

const historyLimit = 200

// Escalator drives one margin call state machine per account
type Escalator struct {
	thresholds Thresholds
	policy     Policy
	executor   core.IClosureExecutor
	notifier   core.INotifier
	audit      core.IAuditSink
	runner     core.ITaskRunner
	logger     core.ILogger
	metrics    *telemetry.RiskMetrics
	now        func() time.Time

	mu       sync.Mutex
	active   map[string]*MarginCallEvent
	limiters map[string]*rate.Limiter
	history  []MarginCallEvent
	requests map[string]core.LiquidationRequest
	stats    EscalatorStats
}

// EscalatorOption customizes an Escalator
type EscalatorOption func(*Escalator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) EscalatorOption {
	return func(e *Escalator) { e.now = now }
}

// WithTaskRunner runs notifications and liquidations off the caller's goroutine
func WithTaskRunner(r core.ITaskRunner) EscalatorOption {
	return func(e *Escalator) { e.runner = r }
}

// WithAuditSink records transitions and liquidation outcomes
func WithAuditSink(a core.IAuditSink) EscalatorOption {
	return func(e *Escalator) { e.audit = a }
}

// NewEscalator creates an escalator. notifier may be nil.
func NewEscalator(
	thresholds Thresholds,
	policy Policy,
	executor core.IClosureExecutor,
	notifier core.INotifier,
	logger core.ILogger,
	metrics *telemetry.RiskMetrics,
	opts ...EscalatorOption,
) *Escalator {
	e := &Escalator{
		thresholds: thresholds,
		policy:     policy,
		executor:   executor,
		notifier:   notifier,
		logger:     logger.WithField("component", "margin_escalator"),
		metrics:    metrics,
		now:        time.Now,
		active:     make(map[string]*MarginCallEvent),
		limiters:   make(map[string]*rate.Limiter),
		requests:   make(map[string]core.LiquidationRequest),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate classifies snap and advances the account's episode. Notifications,
// audit records and the liquidation call run after the lock is released.
func (e *Escalator) Evaluate(ctx context.Context, snap AccountSnapshot) Decision {
	now := e.now()
	accountID := snap.State.AccountID
	a := e.thresholds.Assess(snap.State)
	if a.At.IsZero() {
		a.At = now
	}

	var effects []func()

	e.mu.Lock()
	ev := e.active[accountID]
	d := Decision{Assessment: a}

	switch {
	case a.Status == StatusSafe && ev == nil:
		// healthy, nothing open

	case a.Status == StatusSafe:
		ev.Status = EventResolved
		ev.ResolvedAt = &now
		ev.LastBand = a.Status
		d.Transition = TransitionResolved
		e.archiveLocked(ev)
		delete(e.active, accountID)
		delete(e.limiters, accountID)
		delete(e.requests, accountID)
		e.stats.Resolved++
		resolved := *ev
		effects = append(effects, func() { e.onResolved(ctx, resolved, a) })

	default:
		if ev == nil {
			ev = &MarginCallEvent{
				ID:          uuid.New().String(),
				AccountID:   accountID,
				Status:      EventPending,
				Severity:    severityFor(a.Status),
				LowestLevel: a.Level,
				TriggeredAt: now,
			}
			e.active[accountID] = ev
			e.limiters[accountID] = rate.NewLimiter(rate.Every(e.notifyInterval()), 1)
		}
		e.trackLocked(ev, a, now)

		notified := false
		if ev.Status == EventPending {
			ev.Status = EventNotified
			d.Transition = TransitionNotified
			notified = true
			e.stats.Notified++
			snapshot := *ev
			effects = append(effects, func() { e.onNotified(ctx, snapshot, a) })
		}

		if ev.Status == EventNotified && e.shouldEscalateLocked(ev, a, now) {
			ev.Status = EventEscalated
			ev.EscalatedAt = &now
			ev.LiquidationKey = LiquidationKey(accountID, ev.ID)
			d.Transition = TransitionEscalated
			d.LiquidationRequested = true
			e.stats.Escalated++

			req := e.buildRequestLocked(ev, snap)
			escalated := *ev
			effects = append(effects, func() { e.onEscalated(ctx, escalated, a, req) })
		} else if n, ok := e.reminderLocked(ev, a, now, notified); ok {
			effects = append(effects, func() { e.notify(ctx, n) })
		}
		if notified && d.Transition == TransitionEscalated {
			e.metrics.RecordMarginCall(TransitionNotified)
		}
	}

	if cur := e.active[accountID]; cur != nil {
		cp := *cur
		d.Event = &cp
		d.CloseOnly = cur.Status == EventNotified || cur.Status == EventEscalated
	} else if ev != nil {
		cp := *ev
		d.Event = &cp
	}
	e.stats.Active = len(e.active)
	e.mu.Unlock()

	e.metrics.SetMarginLevel(accountID, a.Level)
	e.metrics.SetCloseOnly(accountID, d.CloseOnly)
	if d.Transition != TransitionNone {
		e.metrics.RecordMarginCall(d.Transition)
		e.logger.Info("Margin call transition",
			"account", accountID,
			"transition", d.Transition,
			"level", a.Level,
			"status", a.Status)
	}

	for _, fx := range effects {
		fx()
	}
	return d
}

func (e *Escalator) notifyInterval() time.Duration {
	if e.policy.NotifyInterval > 0 {
		return e.policy.NotifyInterval
	}
	return time.Minute
}

func (e *Escalator) trackLocked(ev *MarginCallEvent, a Assessment, now time.Time) {
	ev.LastBand = a.Status
	if a.Level < ev.LowestLevel {
		ev.LowestLevel = a.Level
	}
	if a.Status.Worse(severityBand(ev.Severity)) {
		ev.Severity = severityFor(a.Status)
	}
	if a.Status == StatusCritical || a.Status == StatusLiquidation {
		if ev.criticalSince.IsZero() {
			ev.criticalSince = now
		}
	} else {
		ev.criticalSince = time.Time{}
	}
}

func severityBand(s EventSeverity) Status {
	switch s {
	case SeverityCritical:
		return StatusLiquidation
	case SeverityUrgent:
		return StatusCritical
	}
	return StatusWarning
}

func (e *Escalator) shouldEscalateLocked(ev *MarginCallEvent, a Assessment, now time.Time) bool {
	if e.policy.EscalateOnLiquidation && a.Status == StatusLiquidation {
		return true
	}
	if e.policy.CriticalGrace > 0 && !ev.criticalSince.IsZero() {
		return now.Sub(ev.criticalSince) >= e.policy.CriticalGrace
	}
	return false
}

// reminderLocked emits a notification when the band changed since the last one,
// at most once per notify interval per account
func (e *Escalator) reminderLocked(ev *MarginCallEvent, a Assessment, now time.Time, first bool) (core.Notification, bool) {
	if !first && ev.notifiedBand == a.Status {
		return core.Notification{}, false
	}
	lim := e.limiters[ev.AccountID]
	if lim != nil && !lim.AllowN(now, 1) {
		return core.Notification{}, false
	}
	ev.notifiedBand = a.Status
	return core.Notification{
		AccountID: ev.AccountID,
		Title:     fmt.Sprintf("Margin call: %s", a.Status),
		Message:   marginMessage(a),
		Severity:  severityFor(a.Status).notification(),
		Fields: map[string]string{
			"episode": ev.ID,
			"level":   formatLevel(a.Level),
			"status":  string(a.Status),
		},
	}, true
}

func (e *Escalator) buildRequestLocked(ev *MarginCallEvent, snap AccountSnapshot) core.LiquidationRequest {
	req := core.LiquidationRequest{
		AccountID:      ev.AccountID,
		Reason:         core.ReasonLiquidation,
		CurrentPrices:  make(map[string]decimal.Decimal),
		IdempotencyKey: ev.LiquidationKey,
	}
	for _, p := range snap.Positions {
		if !p.IsOpen() {
			continue
		}
		req.PositionIDs = append(req.PositionIDs, p.ID)
		req.CurrentPrices[p.ID] = p.CurrentPrice
	}
	sort.Strings(req.PositionIDs)
	e.requests[ev.AccountID] = req
	if len(req.PositionIDs) > 0 {
		ev.LiquidationState = LiquidationRunning
	}
	return req
}

func (e *Escalator) archiveLocked(ev *MarginCallEvent) {
	e.history = append(e.history, *ev)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
}

// LiquidationKey scopes a cascade to one episode so recomputes never duplicate it
func LiquidationKey(accountID, episodeID string) string {
	return fmt.Sprintf("liquidation:%s:%s", accountID, episodeID)
}

func (e *Escalator) onNotified(ctx context.Context, ev MarginCallEvent, a Assessment) {
	e.record(ctx, core.AuditEvent{
		Type:      "margin_call.notified",
		Severity:  severityFor(a.Status).notification(),
		AccountID: ev.AccountID,
		Subject:   ev.ID,
		Message:   marginMessage(a),
		Fields:    map[string]string{"level": formatLevel(a.Level), "status": string(a.Status)},
	})
}

func (e *Escalator) onResolved(ctx context.Context, ev MarginCallEvent, a Assessment) {
	e.record(ctx, core.AuditEvent{
		Type:      "margin_call.resolved",
		Severity:  core.SeverityInfo,
		AccountID: ev.AccountID,
		Subject:   ev.ID,
		Message:   fmt.Sprintf("margin level recovered to %s after %s", formatLevel(a.Level), ev.Dwell(e.now()).Round(time.Second)),
	})
	e.notify(ctx, core.Notification{
		AccountID: ev.AccountID,
		Title:     "Margin restored",
		Message:   fmt.Sprintf("Margin level is back at %s%%. Trading restrictions are lifted.", formatLevel(a.Level)),
		Severity:  core.SeverityInfo,
	})
}

func (e *Escalator) onEscalated(ctx context.Context, ev MarginCallEvent, a Assessment, req core.LiquidationRequest) {
	e.logger.Warn("Margin call escalated to liquidation",
		"account", ev.AccountID,
		"episode", ev.ID,
		"level", a.Level,
		"positions", len(req.PositionIDs))

	e.record(ctx, core.AuditEvent{
		Type:      "margin_call.escalated",
		Severity:  core.SeverityCritical,
		AccountID: ev.AccountID,
		Subject:   ev.ID,
		Message:   marginMessage(a),
		Fields:    map[string]string{"key": ev.LiquidationKey, "positions": fmt.Sprint(len(req.PositionIDs))},
	})
	// escalation notices bypass the per-account limiter
	e.notify(ctx, core.Notification{
		AccountID: ev.AccountID,
		Title:     "Positions are being liquidated",
		Message:   marginMessage(a),
		Severity:  core.SeverityCritical,
		Fields:    map[string]string{"episode": ev.ID},
	})

	if len(req.PositionIDs) == 0 {
		return
	}
	e.run(func() { _, _ = e.liquidate(ctx, req) })
}

func (e *Escalator) liquidate(ctx context.Context, req core.LiquidationRequest) (*core.LiquidationResult, error) {
	if e.executor == nil {
		return nil, fmt.Errorf("%w: no closure executor", apperrors.ErrValidation)
	}
	res, err := e.executor.ExecuteLiquidation(ctx, req)
	if err != nil {
		if apperrors.IsDuplicateInFlight(err) {
			e.logger.Info("Liquidation already in flight", "account", req.AccountID, "key", req.IdempotencyKey)
			return nil, err
		}
		e.markLiquidation(req.AccountID, LiquidationFailed, "", err.Error())
		e.metrics.RecordMarginCall("liquidation_failed")
		e.logger.Error("Cascade liquidation failed",
			"account", req.AccountID,
			"key", req.IdempotencyKey,
			"error", err)
		e.record(ctx, core.AuditEvent{
			Type:      "liquidation.failed",
			Severity:  core.SeverityCritical,
			AccountID: req.AccountID,
			Subject:   req.IdempotencyKey,
			Message:   err.Error(),
		})
		e.notify(ctx, core.Notification{
			AccountID: req.AccountID,
			Title:     "Liquidation failed",
			Message:   fmt.Sprintf("Automatic liquidation of %d positions failed and needs attention: %v", len(req.PositionIDs), err),
			Severity:  core.SeverityCritical,
		})
		return nil, err
	}

	e.markLiquidation(req.AccountID, LiquidationSucceeded, res.LiquidationEventID, "")
	e.metrics.RecordMarginCall("liquidated")
	e.logger.Info("Cascade liquidation completed",
		"account", req.AccountID,
		"liquidation_event", res.LiquidationEventID,
		"success", res.Success)
	e.record(ctx, core.AuditEvent{
		Type:      "liquidation.completed",
		Severity:  core.SeverityWarning,
		AccountID: req.AccountID,
		Subject:   res.LiquidationEventID,
		Message:   fmt.Sprintf("closed %d positions", len(res.Results)),
		Fields:    map[string]string{"key": req.IdempotencyKey, "success": fmt.Sprint(res.Success)},
	})
	return res, nil
}

func (e *Escalator) markLiquidation(accountID, state, eventID, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state == LiquidationSucceeded {
		e.stats.Liquidations++
	} else if state == LiquidationFailed {
		e.stats.Failures++
	}
	ev := e.active[accountID]
	if ev == nil {
		return
	}
	ev.LiquidationState = state
	ev.LiquidationEventID = eventID
	ev.LiquidationError = errMsg
}

// RetryLiquidation re-issues a failed cascade under the episode's key. Positions
// come from snap when it carries any, otherwise from the original request.
func (e *Escalator) RetryLiquidation(ctx context.Context, snap AccountSnapshot) (*core.LiquidationResult, error) {
	accountID := snap.State.AccountID

	e.mu.Lock()
	ev := e.active[accountID]
	if ev == nil || ev.Status != EventEscalated || ev.LiquidationState != LiquidationFailed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoFailedLiquidation, accountID)
	}
	req := e.requests[accountID]
	if len(snap.Positions) > 0 {
		req = e.buildRequestLocked(ev, snap)
	}
	ev.LiquidationState = LiquidationRunning
	e.mu.Unlock()

	e.logger.Warn("Retrying cascade liquidation", "account", accountID, "key", req.IdempotencyKey)
	return e.liquidate(ctx, req)
}

func (e *Escalator) run(task func()) {
	if e.runner == nil {
		task()
		return
	}
	if err := e.runner.Submit(task); err != nil {
		e.logger.Warn("Task runner rejected work, running inline", "error", err)
		task()
	}
}

func (e *Escalator) notify(ctx context.Context, n core.Notification) {
	if e.notifier == nil {
		return
	}
	e.run(func() {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("Notification failed", "account", n.AccountID, "title", n.Title, "error", err)
		}
	})
}

func (e *Escalator) record(ctx context.Context, ev core.AuditEvent) {
	if e.audit == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if err := e.audit.Record(ctx, ev); err != nil {
		e.logger.Warn("Audit record failed", "type", ev.Type, "error", err)
	}
}

// Forget closes the account's open episode without a recovery, for accounts that
// are no longer tracked. The episode is archived as resolved and the close-only
// restriction is lifted. Reports whether an episode was open.
func (e *Escalator) Forget(ctx context.Context, accountID string) bool {
	now := e.now()

	e.mu.Lock()
	ev := e.active[accountID]
	delete(e.limiters, accountID)
	delete(e.requests, accountID)
	if ev == nil {
		e.mu.Unlock()
		e.metrics.DropAccount(accountID)
		return false
	}
	ev.Status = EventResolved
	ev.ResolvedAt = &now
	e.archiveLocked(ev)
	delete(e.active, accountID)
	e.stats.Resolved++
	e.stats.Active = len(e.active)
	forgotten := *ev
	e.mu.Unlock()

	e.metrics.DropAccount(accountID)
	e.logger.Info("Margin call dropped with account", "account", accountID, "episode", forgotten.ID)
	e.record(ctx, core.AuditEvent{
		Type:      "margin_call.dropped",
		Severity:  core.SeverityInfo,
		AccountID: accountID,
		Subject:   forgotten.ID,
		Message:   fmt.Sprintf("account removed after %s in margin call", forgotten.Dwell(now).Round(time.Second)),
	})
	return true
}

// ShouldEnforceCloseOnly reports whether new opening orders must be rejected
func (e *Escalator) ShouldEnforceCloseOnly(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := e.active[accountID]
	return ev != nil && (ev.Status == EventNotified || ev.Status == EventEscalated)
}

// InLiquidation reports whether the account is in the LIQUIDATION band or escalated
func (e *Escalator) InLiquidation(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := e.active[accountID]
	return ev != nil && (ev.Status == EventEscalated || ev.LastBand == StatusLiquidation)
}

// ActiveEvent returns a copy of the account's open episode
func (e *Escalator) ActiveEvent(accountID string) (MarginCallEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.active[accountID]
	if !ok {
		return MarginCallEvent{}, false
	}
	return *ev, true
}

// ActiveEvents returns copies of all open episodes
func (e *Escalator) ActiveEvents() []MarginCallEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MarginCallEvent, 0, len(e.active))
	for _, ev := range e.active {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// History returns resolved episodes, oldest first
func (e *Escalator) History() []MarginCallEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MarginCallEvent, len(e.history))
	copy(out, e.history)
	return out
}

// Stats returns escalator counters
func (e *Escalator) Stats() EscalatorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Active = len(e.active)
	return s
}

func marginMessage(a Assessment) string {
	msg := fmt.Sprintf("Margin level %s%% is in the %s band.", formatLevel(a.Level), a.Status)
	if a.HasEstimate {
		msg += fmt.Sprintf(" Estimated time to liquidation: %s.", a.TimeToLiquidation.Round(time.Minute))
	}
	return msg
}

func formatLevel(level float64) string {
	if math.IsInf(level, 0) || math.IsNaN(level) {
		return "inf"
	}
	return decimal.NewFromFloat(level).StringFixed(2)
}
