// Package feed turns raw stream messages into validated engine events
package feed

import (
	"fmt"
	"math"
	"strings"
	"time"

	"riskguard/internal/core"
	"riskguard/internal/stream"
	apperrors "riskguard/pkg/errors"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Topics published by the realtime feed
const (
	TopicPrices    = "prices"
	TopicPositions = "positions"
	TopicProfiles  = "profiles"
)

type priceRow struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp int64           `json:"timestamp"`
}

type profileRow struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt *time.Time      `json:"updated_at"`
}

// Decode validates msg and returns the matching event
func Decode(msg stream.Message) (core.FeedEvent, error) {
	switch msg.Topic {
	case TopicPrices:
		return DecodePrice(msg.Payload, msg.ReceivedAt)
	case TopicPositions:
		return DecodePositionChange(msg.Event, msg.Payload)
	case TopicProfiles:
		return DecodeProfileChange(msg.Event, msg.Payload)
	}
	return nil, fmt.Errorf("%w: unknown topic %q", apperrors.ErrInvalidEvent, msg.Topic)
}

// DecodePrice parses a quote tick; a missing timestamp falls back to receivedAt
func DecodePrice(payload []byte, receivedAt time.Time) (core.PriceUpdate, error) {
	var row priceRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return core.PriceUpdate{}, fmt.Errorf("%w: price: %v", apperrors.ErrInvalidEvent, err)
	}
	if row.Symbol == "" {
		return core.PriceUpdate{}, fmt.Errorf("%w: price without symbol", apperrors.ErrInvalidEvent)
	}
	if !row.Price.IsPositive() {
		return core.PriceUpdate{}, fmt.Errorf("%w: non-positive price %s for %s", apperrors.ErrInvalidEvent, row.Price, row.Symbol)
	}

	ts := receivedAt
	if row.Timestamp > 0 {
		ts = time.UnixMilli(row.Timestamp).UTC()
	}
	return core.PriceUpdate{
		Symbol:    row.Symbol,
		Price:     row.Price,
		Bid:       row.Bid,
		Ask:       row.Ask,
		Timestamp: ts,
	}, nil
}

// DecodePositionChange parses a positions row change
func DecodePositionChange(event string, payload []byte) (core.PositionEvent, error) {
	change, err := parseChange(event)
	if err != nil {
		return core.PositionEvent{}, err
	}

	var p core.Position
	if err := json.Unmarshal(payload, &p); err != nil {
		return core.PositionEvent{}, fmt.Errorf("%w: position: %v", apperrors.ErrInvalidEvent, err)
	}
	if p.ID == "" || p.AccountID == "" {
		return core.PositionEvent{}, fmt.Errorf("%w: position without id or account", apperrors.ErrInvalidEvent)
	}
	p.Side = core.Side(strings.ToLower(string(p.Side)))
	if change != core.ChangeDelete {
		if err := validatePosition(p); err != nil {
			return core.PositionEvent{}, err
		}
	}
	if p.Status == "" {
		p.Status = core.PositionOpen
	}
	return core.PositionEvent{Change: change, Position: p}, nil
}

func validatePosition(p core.Position) error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: position %s without symbol", apperrors.ErrInvalidEvent, p.ID)
	}
	if p.Side != core.SideLong && p.Side != core.SideShort {
		return fmt.Errorf("%w: position %s has side %q", apperrors.ErrInvalidEvent, p.ID, p.Side)
	}
	if p.Quantity.IsNegative() || p.MarginUsed.IsNegative() {
		return fmt.Errorf("%w: position %s has negative quantity or margin", apperrors.ErrInvalidEvent, p.ID)
	}
	return nil
}

// DecodeProfileChange parses an account profile row change
func DecodeProfileChange(event string, payload []byte) (core.ProfileEvent, error) {
	change, err := parseChange(event)
	if err != nil {
		return core.ProfileEvent{}, err
	}

	var row profileRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return core.ProfileEvent{}, fmt.Errorf("%w: profile: %v", apperrors.ErrInvalidEvent, err)
	}
	if row.AccountID == "" {
		return core.ProfileEvent{}, fmt.Errorf("%w: profile without account", apperrors.ErrInvalidEvent)
	}

	profile := core.AccountProfile{AccountID: row.AccountID, Balance: row.Balance}
	if row.UpdatedAt != nil {
		profile.UpdatedAt = *row.UpdatedAt
	}
	return core.ProfileEvent{Change: change, Profile: profile}, nil
}

func parseChange(event string) (core.ChangeType, error) {
	switch core.ChangeType(strings.ToLower(event)) {
	case core.ChangeInsert:
		return core.ChangeInsert, nil
	case core.ChangeUpdate, "":
		return core.ChangeUpdate, nil
	case core.ChangeDelete:
		return core.ChangeDelete, nil
	}
	return "", fmt.Errorf("%w: unknown change %q", apperrors.ErrInvalidEvent, event)
}

// ShouldCoalesce reports whether next differs from prev only by sub-threshold
// relative moves in price, P&L and margin. Status or trigger changes never coalesce.
func ShouldCoalesce(prev, next core.Position, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	if prev.ID != next.ID || prev.Status != next.Status || prev.Side != next.Side {
		return false
	}
	if !prev.Quantity.Equal(next.Quantity) || !nullEqual(prev.StopLoss, next.StopLoss) || !nullEqual(prev.TakeProfit, next.TakeProfit) {
		return false
	}
	return relativeChange(prev.CurrentPrice, next.CurrentPrice) < threshold &&
		relativeChange(prev.UnrealizedPnL, next.UnrealizedPnL) < threshold &&
		relativeChange(prev.MarginUsed, next.MarginUsed) < threshold
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func relativeChange(a, b decimal.Decimal) float64 {
	if a.Equal(b) {
		return 0
	}
	if a.IsZero() {
		return math.Inf(1)
	}
	return b.Sub(a).Div(a).Abs().InexactFloat64()
}
