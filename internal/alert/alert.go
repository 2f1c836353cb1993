// Package alert fans margin and closure notifications out to chat channels
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"riskguard/internal/core"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

// LevelFor maps a notification severity onto an alert level
func LevelFor(s core.Severity) AlertLevel {
	switch s {
	case core.SeverityWarning:
		return Warning
	case core.SeverityError:
		return Error
	case core.SeverityCritical:
		return Critical
	}
	return Info
}

type AlertPayload struct {
	Level     AlertLevel
	AccountID string
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// SortedFields returns the field names in a stable order
func (p AlertPayload) SortedFields() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager implements core.INotifier over any number of channels
type AlertManager struct {
	channels    []AlertChannel
	sendTimeout time.Duration
	logger      core.ILogger
	now         func() time.Time
	mu          sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels:    make([]AlertChannel, 0),
		sendTimeout: 10 * time.Second,
		logger:      logger.WithField("component", "alert_manager"),
		now:         time.Now,
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Channels returns the registered channel names
func (am *AlertManager) Channels() []string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	names := make([]string, 0, len(am.channels))
	for _, ch := range am.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify sends n to every channel in parallel and waits for all of them. The
// returned error joins the per-channel failures.
func (am *AlertManager) Notify(ctx context.Context, n core.Notification) error {
	payload := AlertPayload{
		Level:     LevelFor(n.Severity),
		AccountID: n.AccountID,
		Title:     n.Title,
		Message:   n.Message,
		Timestamp: am.now(),
		Fields:    make(map[string]string, len(n.Fields)+1),
	}
	for k, v := range n.Fields {
		payload.Fields[k] = v
	}
	if n.AccountID != "" {
		payload.Fields["account"] = n.AccountID
	}

	am.logger.Info("Triggering alert", "title", n.Title, "level", payload.Level, "account", n.AccountID)

	am.mu.RLock()
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(channels))
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, c AlertChannel) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, am.sendTimeout)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
			}
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}
