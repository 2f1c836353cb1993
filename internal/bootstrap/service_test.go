package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"riskguard/internal/config"
	"riskguard/internal/stream"
	"riskguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Audit.SQLitePath = filepath.Join(t.TempDir(), "audit.db")
	cfg.Telemetry.EnableMetrics = false
	cfg.Monitor.Accounts = []string{"acct-1"}
	return cfg
}

func TestBuild_WiresComponents(t *testing.T) {
	svc, err := Build(context.Background(), testConfig(t), logging.NewNopLogger(), nil)
	require.NoError(t, err)
	defer svc.Close(context.Background())

	status := svc.Health.GetStatus()
	for _, name := range []string{"closure_pool", "ledger", "audit_journal", "stream", "engine"} {
		assert.Contains(t, status, name)
	}
	assert.Equal(t, "Healthy", status["audit_journal"])
	assert.Equal(t, "Unhealthy: risk engine not running", status["engine"])

	assert.Equal(t, []string{"audit-retention", "health-report", "idempotency-sweep", "reevaluate"}, svc.Scheduler.Jobs())
	assert.Len(t, svc.Runners(), 3, "metrics server disabled")
	assert.Nil(t, svc.Metrics)
}

func TestBuild_ReevaluateJobFailsUntilEngineRuns(t *testing.T) {
	svc, err := Build(context.Background(), testConfig(t), logging.NewNopLogger(), nil)
	require.NoError(t, err)
	defer svc.Close(context.Background())

	assert.Error(t, svc.Scheduler.RunNow("reevaluate"))
	assert.NoError(t, svc.Scheduler.RunNow("idempotency-sweep"))
	assert.NoError(t, svc.Scheduler.RunNow("audit-retention"))
}

func TestBuild_RejectsBadLedgerURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Closure.LedgerURL = "not a url"
	_, err := Build(context.Background(), cfg, logging.NewNopLogger(), nil)
	assert.Error(t, err)
}

func TestService_ReconnectTriggersReevaluation(t *testing.T) {
	svc, err := Build(context.Background(), testConfig(t), logging.NewNopLogger(), nil)
	require.NoError(t, err)

	svc.onStreamState(stream.StateChange{ConnectionID: "conn-1", From: stream.StateReconnecting, To: stream.StateConnected})
	svc.onStreamState(stream.StateChange{ConnectionID: "conn-1", From: stream.StateConnecting, To: stream.StateConnected})

	require.NoError(t, svc.Close(context.Background()))
	assert.EqualValues(t, 1, svc.Pool.Stats()["submitted_tasks"])
}
