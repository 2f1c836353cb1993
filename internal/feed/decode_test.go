package feed

import (
	"testing"
	"time"

	"riskguard/internal/core"
	"riskguard/internal/stream"
	apperrors "riskguard/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Price(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev, err := Decode(stream.Message{
		Topic:      TopicPrices,
		Payload:    []byte(`{"symbol":"EURUSD","price":"1.0845","bid":1.0844,"ask":"1.0846","timestamp":1709294400000}`),
		ReceivedAt: received,
	})
	require.NoError(t, err)

	price, ok := ev.(core.PriceUpdate)
	require.True(t, ok)
	assert.Equal(t, "EURUSD", price.Symbol)
	assert.True(t, price.Price.Equal(decimal.RequireFromString("1.0845")))
	assert.True(t, price.Bid.Equal(decimal.RequireFromString("1.0844")))
	assert.Equal(t, int64(1709294400000), price.Timestamp.UnixMilli())

	noTs, err := DecodePrice([]byte(`{"symbol":"EURUSD","price":"1.1"}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, noTs.Timestamp)
}

func TestDecode_PriceRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"symbol":`,
		"no symbol":      `{"price":"1.1"}`,
		"zero price":     `{"symbol":"EURUSD","price":"0"}`,
		"negative price": `{"symbol":"EURUSD","price":"-1"}`,
		"bad decimal":    `{"symbol":"EURUSD","price":"abc"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePrice([]byte(payload), time.Now())
			assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)
		})
	}
}

func TestDecode_Position(t *testing.T) {
	payload := `{"id":"pos-1","account_id":"acct-1","symbol":"EURUSD","side":"LONG",
		"quantity":"10000","entry_price":"1.0900","current_price":"1.0880","margin_used":"100",
		"unrealized_pnl":"-20","stop_loss":"1.0850","take_profit":null,"status":"open",
		"opened_at":"2024-03-01T10:00:00Z"}`

	ev, err := Decode(stream.Message{Topic: TopicPositions, Event: "UPDATE", Payload: []byte(payload)})
	require.NoError(t, err)

	pe, ok := ev.(core.PositionEvent)
	require.True(t, ok)
	assert.Equal(t, core.ChangeUpdate, pe.Change)
	assert.Equal(t, core.SideLong, pe.Position.Side)
	assert.True(t, pe.Position.StopLoss.Valid)
	assert.True(t, pe.Position.StopLoss.Decimal.Equal(decimal.RequireFromString("1.085")))
	assert.False(t, pe.Position.TakeProfit.Valid)
	assert.Equal(t, 10, pe.Position.OpenedAt.Hour())
}

func TestDecode_PositionValidation(t *testing.T) {
	_, err := DecodePositionChange("insert", []byte(`{"id":"p","account_id":"a","symbol":"X","side":"sideways"}`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)

	_, err = DecodePositionChange("insert", []byte(`{"account_id":"a","symbol":"X","side":"long"}`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)

	_, err = DecodePositionChange("upsert", []byte(`{"id":"p","account_id":"a"}`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)

	// deletes only need identity
	ev, err := DecodePositionChange("delete", []byte(`{"id":"p","account_id":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, core.ChangeDelete, ev.Change)
}

func TestDecode_Profile(t *testing.T) {
	ev, err := Decode(stream.Message{Topic: TopicProfiles, Event: "update", Payload: []byte(`{"account_id":"acct-1","balance":"1000.50"}`)})
	require.NoError(t, err)
	pe := ev.(core.ProfileEvent)
	assert.Equal(t, "acct-1", pe.Profile.AccountID)
	assert.True(t, pe.Profile.Balance.Equal(decimal.RequireFromString("1000.5")))

	_, err = Decode(stream.Message{Topic: TopicProfiles, Payload: []byte(`{"balance":"1"}`)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)

	_, err = Decode(stream.Message{Topic: "orders"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)
}

func position(price, pnl, margin string) core.Position {
	return core.Position{
		ID:            "pos-1",
		Side:          core.SideLong,
		Quantity:      decimal.NewFromInt(1000),
		CurrentPrice:  decimal.RequireFromString(price),
		UnrealizedPnL: decimal.RequireFromString(pnl),
		MarginUsed:    decimal.RequireFromString(margin),
		Status:        core.PositionOpen,
	}
}

func TestShouldCoalesce(t *testing.T) {
	base := position("100", "50", "200")

	assert.True(t, ShouldCoalesce(base, position("100.05", "50.02", "200"), 0.001))
	assert.False(t, ShouldCoalesce(base, position("100.2", "50", "200"), 0.001), "price moved 0.2%")
	assert.False(t, ShouldCoalesce(base, position("100", "51", "200"), 0.001), "pnl moved 2%")
	assert.False(t, ShouldCoalesce(base, position("100", "50", "200"), 0), "disabled threshold")

	closing := position("100", "50", "200")
	closing.Status = core.PositionClosing
	assert.False(t, ShouldCoalesce(base, closing, 0.5))

	withSL := position("100", "50", "200")
	withSL.StopLoss = decimal.NewNullDecimal(decimal.NewFromInt(95))
	assert.False(t, ShouldCoalesce(base, withSL, 0.5))

	zeroPnL := position("100", "0", "200")
	assert.False(t, ShouldCoalesce(zeroPnL, position("100", "1", "200"), 0.5))
}
