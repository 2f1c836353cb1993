package closure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"riskguard/internal/core"
	apperrors "riskguard/pkg/errors"
	"riskguard/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ledger endpoints
const (
	closePath       = "/v1/positions/%s/close"
	liquidationPath = "/v1/liquidations"
)

// LedgerConfig configures the ledger RPC client
type LedgerConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// HTTPLedgerClient implements core.IClosureRPC over JSON/HTTP. Retries belong to the executor.
type HTTPLedgerClient struct {
	client   *http.Client
	baseURL  string
	token    string
	pipeline failsafe.Executor[*http.Response]
	breaker  circuitbreaker.CircuitBreaker[*http.Response]
	tracer   trace.Tracer
	logger   core.ILogger
}

// NewHTTPLedgerClient creates a client with a circuit breaker on 5xx and network errors
func NewHTTPLedgerClient(cfg LedgerConfig, logger core.ILogger) (*HTTPLedgerClient, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: ledger url: %v", apperrors.ErrValidation, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &HTTPLedgerClient{
		client:   &http.Client{Timeout: cfg.Timeout},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.APIToken,
		pipeline: failsafe.With[*http.Response](breaker),
		breaker:  breaker,
		tracer:   telemetry.GetTracer("ledger-client"),
		logger:   logger.WithField("component", "ledger_client"),
	}, nil
}

// ClosePosition calls the ledger's close endpoint
func (c *HTTPLedgerClient) ClosePosition(ctx context.Context, req core.ClosePositionRequest) (*core.ClosureResult, error) {
	var out core.ClosureResult
	path := fmt.Sprintf(closePath, url.PathEscape(req.PositionID))
	if err := c.post(ctx, path, req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	if out.PositionID == "" {
		out.PositionID = req.PositionID
	}
	return &out, nil
}

// ExecuteLiquidation calls the ledger's cascade endpoint
func (c *HTTPLedgerClient) ExecuteLiquidation(ctx context.Context, req core.LiquidationRequest) (*core.LiquidationResult, error) {
	var out core.LiquidationResult
	if err := c.post(ctx, liquidationPath, req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BreakerOpen reports whether the circuit is currently open
func (c *HTTPLedgerClient) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPLedgerClient) post(ctx context.Context, path, key string, body, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "POST "+path,
		trace.WithAttributes(attribute.String("idempotency_key", key)),
	)
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", apperrors.ErrValidation, err)
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		return c.client.Do(req)
	})
	if err != nil {
		span.RecordError(err)
		if resp != nil {
			_ = resp.Body.Close()
		}
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", apperrors.ErrNetwork, err)
	}

	if resp.StatusCode >= 300 {
		statusErr := &apperrors.StatusError{StatusCode: resp.StatusCode, Body: ledgerMessage(data)}
		span.RecordError(statusErr)
		return statusErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode ledger response: %v", apperrors.ErrServerError, err)
	}
	return nil
}

func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fmt.Errorf("%w: ledger circuit open", apperrors.ErrServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
	}
}

func ledgerMessage(data []byte) string {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil {
		if eb.Error != "" {
			return eb.Error
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	return strings.TrimSpace(string(data))
}
