package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus is owned by the ledger; the engine only reads it
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// Position is an immutable snapshot of one open leveraged position
type Position struct {
	ID            string              `json:"id"`
	AccountID     string              `json:"account_id"`
	Symbol        string              `json:"symbol"`
	Side          Side                `json:"side"`
	Quantity      decimal.Decimal     `json:"quantity"`
	EntryPrice    decimal.Decimal     `json:"entry_price"`
	CurrentPrice  decimal.Decimal     `json:"current_price"`
	MarginUsed    decimal.Decimal     `json:"margin_used"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	StopLoss      decimal.NullDecimal `json:"stop_loss"`
	TakeProfit    decimal.NullDecimal `json:"take_profit"`
	Status        PositionStatus      `json:"status"`
	OpenedAt      time.Time           `json:"opened_at"`
}

// IsOpen reports whether the position can still be closed
func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// HasTriggers reports whether a stop-loss or take-profit is configured
func (p Position) HasTriggers() bool {
	return p.StopLoss.Valid || p.TakeProfit.Valid
}

// Reprice returns a copy marked to price with unrealized P&L recomputed
func (p Position) Reprice(price decimal.Decimal) Position {
	p.CurrentPrice = price
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.Quantity)
	return p
}

// AccountProfile is the ledger's view of an account's cash position
type AccountProfile struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccountMarginState is derived from the profile and its open positions
type AccountMarginState struct {
	AccountID  string
	Equity     decimal.Decimal
	MarginUsed decimal.Decimal
	UpdatedAt  time.Time
}

// PriceUpdate is one tick from the quote feed
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChangeType is the kind of row change carried by a change feed
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// FeedEvent is the closed set of events the engine consumes
type FeedEvent interface {
	isFeedEvent()
}

// PositionEvent is a row change on the positions feed
type PositionEvent struct {
	Change   ChangeType
	Position Position
}

// ProfileEvent is a row change on the account profile feed
type ProfileEvent struct {
	Change  ChangeType
	Profile AccountProfile
}

func (PriceUpdate) isFeedEvent()   {}
func (PositionEvent) isFeedEvent() {}
func (ProfileEvent) isFeedEvent()  {}

// ClosureReason explains why a position is being closed
type ClosureReason string

const (
	ReasonStopLoss    ClosureReason = "stop_loss"
	ReasonTakeProfit  ClosureReason = "take_profit"
	ReasonLiquidation ClosureReason = "liquidation"
	ReasonManual      ClosureReason = "manual"
)

// Valid reports whether r is a known reason
func (r ClosureReason) Valid() bool {
	switch r {
	case ReasonStopLoss, ReasonTakeProfit, ReasonLiquidation, ReasonManual:
		return true
	}
	return false
}

// ClosePositionRequest asks the ledger to close a single position
type ClosePositionRequest struct {
	AccountID      string          `json:"account_id"`
	PositionID     string          `json:"position_id"`
	Reason         ClosureReason   `json:"reason"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// LiquidationRequest asks the ledger to close a batch of positions in one cascade
type LiquidationRequest struct {
	AccountID      string                     `json:"account_id"`
	PositionIDs    []string                   `json:"position_ids"`
	Reason         ClosureReason              `json:"reason"`
	CurrentPrices  map[string]decimal.Decimal `json:"current_prices"`
	IdempotencyKey string                     `json:"idempotency_key"`
}

// ClosureResult is the ledger's answer for one closed position
type ClosureResult struct {
	ClosureID   string          `json:"closure_id"`
	PositionID  string          `json:"position_id"`
	Status      string          `json:"status"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ClosedAt    time.Time       `json:"closed_at"`
	Error       string          `json:"error,omitempty"`
}

// LiquidationResult is the ledger's answer for a cascade
type LiquidationResult struct {
	LiquidationEventID string          `json:"liquidation_event_id"`
	Success            bool            `json:"success"`
	Results            []ClosureResult `json:"results"`
}

// Severity grades notifications and audit entries
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Notification is a user-facing message about an account
type Notification struct {
	AccountID string
	Title     string
	Message   string
	Severity  Severity
	Fields    map[string]string
}

// AuditEvent is an append-only record of a risk action
type AuditEvent struct {
	Type      string
	Severity  Severity
	AccountID string
	Subject   string
	Message   string
	Fields    map[string]string
	Timestamp time.Time
}
