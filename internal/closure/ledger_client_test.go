package closure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"riskguard/internal/core"
	"riskguard/internal/idempotency"
	apperrors "riskguard/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLedgerClient_ClosePosition(t *testing.T) {
	var gotKey, gotAuth, gotPath string
	var gotBody core.ClosePositionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"closure_id":"cl-1","position_id":"pos-1","status":"closed","exit_price":"1.0845","realized_pnl":"-105.00","closed_at":"2024-03-01T12:00:00Z"}`))
	}))
	defer server.Close()

	client, err := NewHTTPLedgerClient(LedgerConfig{BaseURL: server.URL + "/", APIToken: "tok"}, &mockLogger{})
	require.NoError(t, err)

	res, err := client.ClosePosition(context.Background(), closeReq("stop_loss:pos-1:1"))
	require.NoError(t, err)

	assert.Equal(t, "/v1/positions/pos-1/close", gotPath)
	assert.Equal(t, "stop_loss:pos-1:1", gotKey)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, core.ReasonStopLoss, gotBody.Reason)
	assert.True(t, res.RealizedPnL.Equal(decimal.RequireFromString("-105")))
	assert.Equal(t, "closed", res.Status)
	assert.Equal(t, "cl-1", res.ClosureID)
}

func TestHTTPLedgerClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		sentinel  error
		transient bool
	}{
		{http.StatusBadRequest, `{"error":"Invalid position ID"}`, apperrors.ErrValidation, false},
		{http.StatusNotFound, `{"message":"position not found"}`, apperrors.ErrNotFound, false},
		{http.StatusUnauthorized, `nope`, apperrors.ErrAuthenticationFailed, false},
		{http.StatusTooManyRequests, `slow down`, apperrors.ErrRateLimitExceeded, true},
		{http.StatusServiceUnavailable, `maintenance`, apperrors.ErrServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewHTTPLedgerClient(LedgerConfig{BaseURL: server.URL}, &mockLogger{})
			require.NoError(t, err)

			_, err = client.ClosePosition(context.Background(), closeReq("k"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.transient, apperrors.IsTransient(err))
		})
	}
}

func TestHTTPLedgerClient_ExecutorRetriesThroughClient(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"liquidation_event_id":"liq-9","success":true,"results":[{"position_id":"pos-a","status":"closed"}]}`))
	}))
	defer server.Close()

	client, err := NewHTTPLedgerClient(LedgerConfig{BaseURL: server.URL}, &mockLogger{})
	require.NoError(t, err)
	exec := NewExecutor(client, idempotency.NewMemoryStore(), idempotency.DefaultConfig(), fastConfig(), nil, &mockLogger{}, nil)

	res, err := exec.ExecuteLiquidation(context.Background(), core.LiquidationRequest{
		AccountID:      "acct-1",
		PositionIDs:    []string{"pos-a"},
		IdempotencyKey: "liquidation:acct-1:ep",
	})
	require.NoError(t, err)
	assert.Equal(t, "liq-9", res.LiquidationEventID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.False(t, client.BreakerOpen())
}

func TestHTTPLedgerClient_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewHTTPLedgerClient(LedgerConfig{BaseURL: url}, &mockLogger{})
	require.NoError(t, err)

	_, err = client.ClosePosition(context.Background(), closeReq("k"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.True(t, apperrors.IsTransient(err))
}

func TestNewHTTPLedgerClient_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPLedgerClient(LedgerConfig{BaseURL: "not a url"}, &mockLogger{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
