// Package core defines the shared types and interfaces of the risk engine
package core

import "context"

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IClosureRPC is the ledger's position-closing surface
type IClosureRPC interface {
	ClosePosition(ctx context.Context, req ClosePositionRequest) (*ClosureResult, error)
	ExecuteLiquidation(ctx context.Context, req LiquidationRequest) (*LiquidationResult, error)
}

// IClosureExecutor closes positions with retry and exactly-once semantics
type IClosureExecutor interface {
	ClosePosition(ctx context.Context, req ClosePositionRequest) (*ClosureResult, error)
	ExecuteLiquidation(ctx context.Context, req LiquidationRequest) (*LiquidationResult, error)
}

// INotifier delivers user-facing notifications. Delivery failures never affect risk actions.
type INotifier interface {
	Notify(ctx context.Context, n Notification) error
}

// IAuditSink records risk actions
type IAuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// ITaskRunner runs work off the caller's goroutine
type ITaskRunner interface {
	Submit(task func()) error
}
