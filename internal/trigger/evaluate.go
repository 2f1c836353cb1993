// Package trigger fires stop-loss and take-profit closures from streamed prices
package trigger

import (
	"riskguard/internal/core"

	"github.com/shopspring/decimal"
)

// Evaluate reports which trigger, if any, price crosses for p. Stop-loss wins
// when both cross on the same tick.
func Evaluate(p core.Position, price decimal.Decimal) (core.ClosureReason, bool) {
	if !price.IsPositive() {
		return "", false
	}
	if p.StopLoss.Valid && stopLossHit(p.Side, price, p.StopLoss.Decimal) {
		return core.ReasonStopLoss, true
	}
	if p.TakeProfit.Valid && takeProfitHit(p.Side, price, p.TakeProfit.Decimal) {
		return core.ReasonTakeProfit, true
	}
	return "", false
}

func stopLossHit(side core.Side, price, sl decimal.Decimal) bool {
	if side == core.SideShort {
		return price.GreaterThanOrEqual(sl)
	}
	return price.LessThanOrEqual(sl)
}

func takeProfitHit(side core.Side, price, tp decimal.Decimal) bool {
	if side == core.SideShort {
		return price.LessThanOrEqual(tp)
	}
	return price.GreaterThanOrEqual(tp)
}
