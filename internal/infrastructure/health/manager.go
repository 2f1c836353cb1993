package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"riskguard/internal/core"
)

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
	last   map[string]bool
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{
		checks: make(map[string]func() error),
		last:   make(map[string]bool),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy() bool {
	return hm.Check() == nil
}

// Check returns an error naming every unhealthy component
func (hm *HealthManager) Check() error {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	var failed []string
	for component, check := range hm.checks {
		if err := check(); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", component, err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return fmt.Errorf("unhealthy: %s", strings.Join(failed, "; "))
}

// Evaluate runs every check and logs components whose health changed since the
// previous call. It returns the number of unhealthy components.
func (hm *HealthManager) Evaluate() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	unhealthy := 0
	for component, check := range hm.checks {
		err := check()
		ok := err == nil
		if !ok {
			unhealthy++
		}
		prev, seen := hm.last[component]
		hm.last[component] = ok
		if hm.logger == nil || (seen && prev == ok) {
			continue
		}
		if ok {
			if seen {
				hm.logger.Info("Component recovered", "name", component)
			}
		} else {
			hm.logger.Warn("Component unhealthy", "name", component, "error", err)
		}
	}
	return unhealthy
}
