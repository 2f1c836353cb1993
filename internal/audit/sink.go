// Package audit records risk actions to the log and an append-only journal
package audit

import (
	"context"
	"errors"
	"fmt"

	"riskguard/internal/core"
)

// LogSink writes audit events to the structured log at their severity
type LogSink struct {
	logger core.ILogger
}

func NewLogSink(logger core.ILogger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "audit")}
}

func (s *LogSink) Record(_ context.Context, ev core.AuditEvent) error {
	fields := []interface{}{
		"type", ev.Type,
		"account", ev.AccountID,
		"subject", ev.Subject,
		"message", ev.Message,
	}
	for k, v := range ev.Fields {
		fields = append(fields, k, v)
	}

	switch ev.Severity {
	case core.SeverityCritical, core.SeverityError:
		s.logger.Error("Audit", fields...)
	case core.SeverityWarning:
		s.logger.Warn("Audit", fields...)
	default:
		s.logger.Info("Audit", fields...)
	}
	return nil
}

// MultiSink records every event to all of its sinks
type MultiSink []core.IAuditSink

func (m MultiSink) Record(ctx context.Context, ev core.AuditEvent) error {
	var errs []error
	for i, sink := range m {
		if err := sink.Record(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
