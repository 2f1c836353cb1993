// Package idempotency guarantees that a keyed side-effecting operation runs at most once
// while its record is live, and that concurrent callers for the same key share the outcome.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskguard/internal/core"
	apperrors "riskguard/pkg/errors"
	"riskguard/pkg/telemetry"
)

// ErrPreviouslyFailed is returned while a failed record is still retained
var ErrPreviouslyFailed = errors.New("operation recently failed")

// Config tunes record lifetimes
type Config struct {
	TTL             time.Duration
	FailedRetention time.Duration
}

// DefaultConfig keeps completed results 5 minutes and failures 1 second
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, FailedRetention: time.Second}
}

// Coordinator executes operations returning T exactly once per key.
// Results are JSON-encoded into the store so they survive across replicas.
type Coordinator[T any] struct {
	store   Store
	cfg     Config
	logger  core.ILogger
	metrics *telemetry.RiskMetrics
}

// NewCoordinator creates a coordinator over store
func NewCoordinator[T any](store Store, cfg Config, logger core.ILogger, metrics *telemetry.RiskMetrics) *Coordinator[T] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = DefaultConfig().FailedRetention
	}
	return &Coordinator[T]{
		store:   store,
		cfg:     cfg,
		logger:  logger.WithField("component", "idempotency"),
		metrics: metrics,
	}
}

// Execute runs op under key. A completed record returns its cached result without
// invoking op; a pending record fails fast with ErrDuplicateInFlight.
func (c *Coordinator[T]) Execute(ctx context.Context, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if key == "" {
		return zero, fmt.Errorf("%w: empty idempotency key", apperrors.ErrValidation)
	}

	existing, reserved, err := c.store.Reserve(ctx, key, c.cfg.TTL)
	if err != nil {
		return zero, fmt.Errorf("idempotency reserve %s: %w", key, err)
	}

	if !reserved {
		return c.resolveExisting(key, existing)
	}

	c.metrics.RecordIdempotency("executed")
	result, err := c.run(ctx, key, op)
	if err != nil {
		if ferr := c.store.Fail(ctx, key, err.Error(), c.cfg.FailedRetention); ferr != nil {
			c.logger.Error("Failed to record failure", "key", key, "error", ferr)
		}
		c.metrics.RecordIdempotency("failed")
		return zero, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		_ = c.store.Fail(ctx, key, err.Error(), c.cfg.FailedRetention)
		return zero, fmt.Errorf("idempotency encode result %s: %w", key, err)
	}
	if err := c.store.Complete(ctx, key, data, c.cfg.TTL); err != nil {
		// The side effect happened; report it even though the cache write failed.
		c.logger.Error("Failed to record completion", "key", key, "error", err)
	}
	return result, nil
}

// run converts a panic in op into an error so the key never stays pending
func (c *Coordinator[T]) run(ctx context.Context, key string, op func(ctx context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Idempotent operation panicked", "key", key, "panic", r)
			err = fmt.Errorf("operation %s panicked: %v", key, r)
		}
	}()
	return op(ctx)
}

func (c *Coordinator[T]) resolveExisting(key string, rec *Record) (T, error) {
	var zero T
	switch rec.Status {
	case StatusCompleted:
		var cached T
		if err := json.Unmarshal(rec.Result, &cached); err != nil {
			return zero, fmt.Errorf("idempotency decode cached result %s: %w", key, err)
		}
		c.metrics.RecordIdempotency("cached")
		c.logger.Debug("Returning cached result", "key", key)
		return cached, nil
	case StatusFailed:
		c.metrics.RecordIdempotency("recently_failed")
		return zero, fmt.Errorf("%w: key %s: %s", ErrPreviouslyFailed, key, rec.Error)
	default:
		c.metrics.RecordIdempotency("duplicate")
		c.logger.Warn("Duplicate operation rejected", "key", key)
		return zero, fmt.Errorf("key %s: %w", key, apperrors.ErrDuplicateInFlight)
	}
}

// Sweep purges expired records; the scheduler calls it every sweep interval
func (c *Coordinator[T]) Sweep(ctx context.Context) {
	removed, err := c.store.Purge(ctx)
	if err != nil {
		c.logger.Warn("Idempotency sweep failed", "error", err)
		return
	}
	if removed > 0 {
		c.logger.Debug("Idempotency sweep", "removed", removed)
	}
}

// Stats reports live records by status
func (c *Coordinator[T]) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}
