// Package margin classifies account margin health and escalates sustained margin calls
package margin

import (
	"fmt"
	"math"
	"time"

	"riskguard/internal/core"
	apperrors "riskguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// Status is the margin band of an account
type Status string

const (
	StatusSafe        Status = "SAFE"
	StatusWarning     Status = "WARNING"
	StatusCritical    Status = "CRITICAL"
	StatusLiquidation Status = "LIQUIDATION"
)

// rank orders bands from healthiest to worst
func (s Status) rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusLiquidation:
		return 3
	}
	return 0
}

// Worse reports whether s is a worse band than other
func (s Status) Worse(other Status) bool {
	return s.rank() > other.rank()
}

// LiquidationHorizon is the time-to-liquidation estimate at the warning boundary
const LiquidationHorizon = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// Thresholds are the lower bounds (margin level, percent) of each band
type Thresholds struct {
	Warning     float64
	Critical    float64
	Liquidation float64
	// LiquidationInclusive moves a level exactly at Liquidation into LIQUIDATION
	LiquidationInclusive bool
}

// DefaultThresholds returns 150/100/50
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 150, Critical: 100, Liquidation: 50}
}

// Validate requires liquidation < critical < warning
func (t Thresholds) Validate() error {
	if !(t.Liquidation < t.Critical && t.Critical < t.Warning) {
		return fmt.Errorf("%w: thresholds must satisfy liquidation < critical < warning, got %v/%v/%v",
			apperrors.ErrValidation, t.Liquidation, t.Critical, t.Warning)
	}
	return nil
}

// Level returns equity / marginUsed * 100, or +Inf when no margin is used
func Level(equity, marginUsed decimal.Decimal) float64 {
	if marginUsed.IsZero() {
		return math.Inf(1)
	}
	return equity.Div(marginUsed).Mul(hundred).InexactFloat64()
}

// Classify maps a margin level onto its band. Lower bounds are inclusive, except
// that LiquidationInclusive assigns the liquidation bound itself to LIQUIDATION.
func (t Thresholds) Classify(level float64) Status {
	switch {
	case level >= t.Warning:
		return StatusSafe
	case level >= t.Critical:
		return StatusWarning
	case level > t.Liquidation, level == t.Liquidation && !t.LiquidationInclusive:
		return StatusCritical
	default:
		return StatusLiquidation
	}
}

// EstimateTimeToLiquidation decreases linearly from LiquidationHorizon at the
// warning boundary to zero at the liquidation boundary. ok is false at or above warning.
func (t Thresholds) EstimateTimeToLiquidation(level float64) (d time.Duration, ok bool) {
	if math.IsNaN(level) || level >= t.Warning {
		return 0, false
	}
	if level <= t.Liquidation {
		return 0, true
	}
	frac := (level - t.Liquidation) / (t.Warning - t.Liquidation)
	return time.Duration(frac * float64(LiquidationHorizon)), true
}

// RecommendedActions is a fixed, ordered advisory list per band
func RecommendedActions(status Status) []string {
	switch status {
	case StatusWarning:
		return []string{
			"Deposit funds to restore margin",
			"Review open positions and consider reducing exposure",
		}
	case StatusCritical:
		return []string{
			"Deposit funds immediately",
			"Reduce exposure by closing positions",
			"Close the highest-risk position",
			"New positions are blocked until margin recovers",
		}
	case StatusLiquidation:
		return []string{
			"Positions are being liquidated",
			"Deposit funds to stop further liquidation",
			"Contact support if this is unexpected",
		}
	}
	return nil
}

// Assessment is the classifier's full view of one account snapshot
type Assessment struct {
	AccountID         string
	Equity            decimal.Decimal
	MarginUsed        decimal.Decimal
	Level             float64
	Status            Status
	Actions           []string
	TimeToLiquidation time.Duration
	HasEstimate       bool
	At                time.Time
}

// Assess classifies state; it is pure apart from copying the action list
func (t Thresholds) Assess(state core.AccountMarginState) Assessment {
	level := Level(state.Equity, state.MarginUsed)
	status := t.Classify(level)
	ttl, ok := t.EstimateTimeToLiquidation(level)
	return Assessment{
		AccountID:         state.AccountID,
		Equity:            state.Equity,
		MarginUsed:        state.MarginUsed,
		Level:             level,
		Status:            status,
		Actions:           RecommendedActions(status),
		TimeToLiquidation: ttl,
		HasEstimate:       ok,
		At:                state.UpdatedAt,
	}
}
