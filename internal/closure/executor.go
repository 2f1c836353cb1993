// Package closure executes position closures and cascade liquidations against the
// external ledger with retries and exactly-once semantics per idempotency key
package closure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskguard/internal/core"
	"riskguard/internal/idempotency"
	apperrors "riskguard/pkg/errors"
	"riskguard/pkg/retry"
	"riskguard/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ExecutionError is the terminal error of a closure after its retry budget
type ExecutionError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Config tunes retries and the outbound call rate
type Config struct {
	Retry     retry.RetryPolicy
	RateLimit float64
	Burst     int
}

// DefaultConfig retries 3 times from 200ms and allows 20 ledger calls per second
func DefaultConfig() Config {
	return Config{Retry: retry.DefaultPolicy, RateLimit: 20, Burst: 20}
}

// Executor implements core.IClosureExecutor
type Executor struct {
	rpc      core.IClosureRPC
	closes   *idempotency.Coordinator[core.ClosureResult]
	cascades *idempotency.Coordinator[core.LiquidationResult]
	policy   retry.RetryPolicy
	limiter  *rate.Limiter
	audit    core.IAuditSink
	logger   core.ILogger
	metrics  *telemetry.RiskMetrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewExecutor wires the ledger RPC behind two coordinators sharing store. audit may be nil.
func NewExecutor(
	rpc core.IClosureRPC,
	store idempotency.Store,
	idemCfg idempotency.Config,
	cfg Config,
	audit core.IAuditSink,
	logger core.ILogger,
	metrics *telemetry.RiskMetrics,
) *Executor {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Executor{
		rpc:      rpc,
		closes:   idempotency.NewCoordinator[core.ClosureResult](store, idemCfg, logger, metrics),
		cascades: idempotency.NewCoordinator[core.LiquidationResult](store, idemCfg, logger, metrics),
		policy:   cfg.Retry,
		limiter:  rate.NewLimiter(limit, burst),
		audit:    audit,
		logger:   logger.WithField("component", "closure_executor"),
		metrics:  metrics,
		tracer:   telemetry.GetTracer("closure-executor"),
		now:      time.Now,
	}
}

// ClosePosition closes one position. An empty key is generated from the request.
// Cancelling ctx does not abort a closure once started.
func (e *Executor) ClosePosition(ctx context.Context, req core.ClosePositionRequest) (*core.ClosureResult, error) {
	if req.PositionID == "" || !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: close needs a position id and a known reason", apperrors.ErrValidation)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotency.GenerateKey(req.AccountID, "close_position", map[string]interface{}{
			"position": req.PositionID,
			"reason":   string(req.Reason),
		})
	}

	ctx, span := e.tracer.Start(context.WithoutCancel(ctx), "ClosePosition",
		trace.WithAttributes(
			attribute.String("position", req.PositionID),
			attribute.String("reason", string(req.Reason)),
			attribute.String("key", req.IdempotencyKey),
		),
	)
	defer span.End()

	start := e.now()
	ran := false
	res, err := e.closes.Execute(ctx, req.IdempotencyKey, func(ctx context.Context) (core.ClosureResult, error) {
		ran = true
		return callWithRetry(ctx, e, "close_position", req.IdempotencyKey, req.Reason, func(ctx context.Context) (*core.ClosureResult, error) {
			return e.rpc.ClosePosition(ctx, req)
		})
	})
	e.observe(ctx, span, "close_position", req.AccountID, req.PositionID, req.Reason, req.IdempotencyKey, start, ran, err)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ExecuteLiquidation closes a set of positions as one ledger call
func (e *Executor) ExecuteLiquidation(ctx context.Context, req core.LiquidationRequest) (*core.LiquidationResult, error) {
	if req.AccountID == "" || len(req.PositionIDs) == 0 {
		return nil, fmt.Errorf("%w: liquidation needs an account and positions", apperrors.ErrValidation)
	}
	if req.Reason == "" {
		req.Reason = core.ReasonLiquidation
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotency.GenerateKey(req.AccountID, "liquidation", map[string]interface{}{
			"positions": req.PositionIDs,
		})
	}

	ctx, span := e.tracer.Start(context.WithoutCancel(ctx), "ExecuteLiquidation",
		trace.WithAttributes(
			attribute.String("account", req.AccountID),
			attribute.Int("positions", len(req.PositionIDs)),
			attribute.String("key", req.IdempotencyKey),
		),
	)
	defer span.End()

	start := e.now()
	ran := false
	res, err := e.cascades.Execute(ctx, req.IdempotencyKey, func(ctx context.Context) (core.LiquidationResult, error) {
		ran = true
		return callWithRetry(ctx, e, "execute_liquidation", req.IdempotencyKey, req.Reason, func(ctx context.Context) (*core.LiquidationResult, error) {
			return e.rpc.ExecuteLiquidation(ctx, req)
		})
	})
	e.observe(ctx, span, "execute_liquidation", req.AccountID, fmt.Sprint(req.PositionIDs), req.Reason, req.IdempotencyKey, start, ran, err)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// callWithRetry runs fn under the retry policy and the outbound rate limit. Backoff
// sleeps happen inside the coordinator's pending window, never under a lock.
func callWithRetry[T any](ctx context.Context, e *Executor, op, key string, reason core.ClosureReason, fn func(ctx context.Context) (*T, error)) (T, error) {
	var zero T
	var out *T
	attempts := 0

	err := retry.DoWithNotify(ctx, e.policy, apperrors.IsTransient, func() error {
		attempts++
		e.metrics.RecordClosureAttempt(string(reason))
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: empty ledger response", apperrors.ErrServerError)
		}
		out = r
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		e.metrics.RecordRetry(op)
		e.logger.Warn("Closure attempt failed, retrying",
			"op", op,
			"key", key,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})
	if err != nil {
		return zero, &ExecutionError{Op: op, Key: key, Attempts: attempts, Err: err}
	}
	return *out, nil
}

// observe emits metrics, logs and one audit record per real execution; replays
// served by the coordinator are only counted
func (e *Executor) observe(ctx context.Context, span trace.Span, op, accountID, subject string, reason core.ClosureReason, key string, start time.Time, ran bool, err error) {
	latency := float64(e.now().Sub(start).Milliseconds())

	if !ran {
		outcome := "cached"
		if err != nil {
			outcome = "deduplicated"
		}
		e.metrics.RecordClosureOutcome(string(reason), outcome, latency)
		span.SetAttributes(attribute.String("idempotency", outcome))
		return
	}

	event := core.AuditEvent{
		Type:      "closure." + op,
		AccountID: accountID,
		Subject:   subject,
		Fields:    map[string]string{"key": key, "reason": string(reason)},
		Timestamp: e.now(),
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordClosureOutcome(string(reason), "failed", latency)

		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			event.Fields["attempts"] = fmt.Sprint(execErr.Attempts)
		}
		event.Severity = core.SeverityError
		if reason == core.ReasonLiquidation {
			event.Severity = core.SeverityCritical
		}
		event.Message = err.Error()
		e.logger.Warn("Closure failed", "op", op, "key", key, "subject", subject, "error", err)
	} else {
		e.metrics.RecordClosureOutcome(string(reason), "succeeded", latency)
		event.Severity = core.SeverityInfo
		event.Message = "succeeded"
		e.logger.Info("Closure succeeded", "op", op, "key", key, "subject", subject, "latency_ms", latency)
	}

	if e.audit != nil {
		if aerr := e.audit.Record(ctx, event); aerr != nil {
			e.logger.Warn("Audit record failed", "key", key, "error", aerr)
		}
	}
}

// Sweep purges expired idempotency records
func (e *Executor) Sweep(ctx context.Context) {
	e.closes.Sweep(ctx)
}

// Stats reports idempotency records by status
func (e *Executor) Stats(ctx context.Context) (idempotency.Stats, error) {
	return e.closes.Stats(ctx)
}
