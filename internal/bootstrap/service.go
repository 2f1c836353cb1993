package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"riskguard/internal/alert"
	"riskguard/internal/audit"
	"riskguard/internal/closure"
	"riskguard/internal/config"
	"riskguard/internal/core"
	"riskguard/internal/engine"
	"riskguard/internal/idempotency"
	"riskguard/internal/infrastructure/health"
	"riskguard/internal/infrastructure/metrics"
	"riskguard/internal/infrastructure/scheduler"
	"riskguard/internal/margin"
	"riskguard/internal/stream"
	"riskguard/internal/trigger"
	"riskguard/pkg/concurrency"
	"riskguard/pkg/retry"
	"riskguard/pkg/telemetry"

	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout   = 10 * time.Second
	healthReportEvery = 30 * time.Second
	pingTimeout       = 2 * time.Second
)

// Service holds the wired risk engine and its supporting infrastructure
type Service struct {
	Engine    *engine.RiskEngine
	Escalator *margin.Escalator
	Monitor   *trigger.Monitor
	Executor  *closure.Executor
	Ledger    *closure.HTTPLedgerClient
	Stream    *stream.Manager
	Alerts    *alert.AlertManager
	Journal   *audit.SQLJournal
	Health    *health.HealthManager
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Server
	Pool      *concurrency.WorkerPool

	redis  *redis.Client
	logger core.ILogger
}

// Build constructs every component from cfg. The feed is not dialed until the engine
// runs. A redis backend is pinged here.
func Build(ctx context.Context, cfg *config.Config, logger core.ILogger, riskMetrics *telemetry.RiskMetrics) (*Service, error) {
	s := &Service{logger: logger, Health: health.NewHealthManager(logger)}

	store, err := s.buildStore(ctx, cfg.Idempotency)
	if err != nil {
		return nil, err
	}

	s.Pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "ClosurePool",
		MaxWorkers:  cfg.Concurrency.ClosurePoolSize,
		MaxCapacity: cfg.Concurrency.ClosurePoolBuffer,
		NonBlocking: true,
	}, logger)
	s.Health.Register("closure_pool", s.Pool.Healthy)

	s.Ledger, err = closure.NewHTTPLedgerClient(closure.LedgerConfig{
		BaseURL:  cfg.Closure.LedgerURL,
		APIToken: cfg.Closure.APIToken.Value(),
		Timeout:  cfg.Closure.RequestTimeout,
	}, logger)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("ledger client: %w", err)
	}
	s.Health.Register("ledger", func() error {
		if s.Ledger.BreakerOpen() {
			return errors.New("circuit breaker open")
		}
		return nil
	})

	sinks := audit.MultiSink{audit.NewLogSink(logger)}
	if cfg.Audit.SQLitePath != "" {
		s.Journal, err = audit.NewSQLiteJournal(cfg.Audit.SQLitePath)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("audit journal: %w", err)
		}
		sinks = append(sinks, s.Journal)
		s.Health.Register("audit_journal", func() error {
			pctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			defer cancel()
			return s.Journal.Ping(pctx)
		})
	}

	s.Executor = closure.NewExecutor(
		s.Ledger,
		store,
		idempotency.Config{TTL: cfg.Idempotency.TTL, FailedRetention: cfg.Idempotency.FailedRetention},
		closure.Config{
			Retry: retry.RetryPolicy{
				MaxAttempts:    cfg.Closure.MaxAttempts,
				InitialBackoff: cfg.Closure.InitialBackoff,
				MaxBackoff:     cfg.Closure.MaxBackoff,
				Multiplier:     2,
			},
			RateLimit: cfg.Closure.RateLimit,
			Burst:     int(math.Ceil(cfg.Closure.RateLimit)),
		},
		sinks,
		logger,
		riskMetrics,
	)

	s.Alerts = alert.NewAlertManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		s.Alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL.Value()))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		s.Alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken.Value(), cfg.Alerts.TelegramChatID))
	}

	thresholds := margin.Thresholds{
		Warning:              cfg.Margin.WarningLevel,
		Critical:             cfg.Margin.CriticalLevel,
		Liquidation:          cfg.Margin.LiquidationLevel,
		LiquidationInclusive: cfg.Margin.LiquidationInclusive,
	}
	if err := thresholds.Validate(); err != nil {
		s.Close(ctx)
		return nil, err
	}

	s.Escalator = margin.NewEscalator(
		thresholds,
		margin.Policy{
			EscalateOnLiquidation: cfg.Margin.EscalateOnLiquidation,
			CriticalGrace:         cfg.Margin.CriticalGrace,
			NotifyInterval:        cfg.Margin.NotifyInterval,
		},
		s.Executor,
		s.Alerts,
		logger,
		riskMetrics,
		margin.WithTaskRunner(s.Pool),
		margin.WithAuditSink(sinks),
	)

	s.Monitor = trigger.NewMonitor(
		trigger.Config{HistoryRetention: cfg.Trigger.HistoryRetention},
		s.Executor,
		s.Pool,
		s.Escalator.InLiquidation,
		logger,
		riskMetrics,
	)

	s.Stream = stream.NewManager(newTransport(cfg.Stream, logger), stream.Config{
		MaxConnections:          cfg.Stream.MaxConnections,
		MaxSubscriptionsPerConn: cfg.Stream.MaxSubscriptionsPerConn,
		ConnectTimeout:          cfg.Stream.ConnectTimeout,
		IdleTimeout:             cfg.Stream.IdleTimeout,
		HealthInterval:          cfg.Stream.HealthInterval,
		CloseGrace:              stream.DefaultConfig().CloseGrace,
		Backoff: retry.RetryPolicy{
			InitialBackoff: cfg.Stream.InitialBackoff,
			MaxBackoff:     cfg.Stream.MaxBackoff,
			Multiplier:     cfg.Stream.BackoffMultiplier,
			JitterFactor:   cfg.Stream.JitterFactor,
		},
	}, logger, riskMetrics)
	s.Health.Register("stream", s.Stream.Healthy)

	s.Engine = engine.NewRiskEngine(engine.Config{
		Accounts:          cfg.Monitor.Accounts,
		Symbols:           cfg.Monitor.Symbols,
		Thresholds:        thresholds,
		CoalesceThreshold: cfg.Monitor.CoalesceThreshold,
	}, s.Stream, s.Escalator, s.Monitor, logger, riskMetrics)
	s.Health.Register("engine", s.Engine.Healthy)
	s.Stream.OnStateChange(s.onStreamState)

	s.Scheduler = scheduler.NewScheduler(logger)
	if err := s.scheduleJobs(cfg); err != nil {
		s.Close(ctx)
		return nil, err
	}

	if cfg.Telemetry.EnableMetrics {
		s.Metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, s.Health, logger)
	}
	return s, nil
}

func (s *Service) buildStore(ctx context.Context, cfg config.IdempotencyConfig) (idempotency.Store, error) {
	if cfg.Backend != "redis" {
		return idempotency.NewMemoryStore(), nil
	}
	rdb, err := idempotency.NewRedisClient(ctx, idempotency.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword.Value(),
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	s.redis = rdb
	store := idempotency.NewRedisStore(rdb, cfg.KeyPrefix)
	s.Health.Register("idempotency_store", func() error {
		pctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		return store.Ping(pctx)
	})
	return store, nil
}

func newTransport(cfg config.StreamConfig, logger core.ILogger) *stream.WebSocketTransport {
	var header http.Header
	if cfg.APIKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.APIKey.Value()}}
	}
	return stream.NewWebSocketTransport(stream.WebSocketConfig{
		URL:          cfg.URL,
		Header:       header,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
	}, logger)
}

// onStreamState re-evaluates every account after a connection recovers
func (s *Service) onStreamState(change stream.StateChange) {
	if change.To != stream.StateConnected || change.From != stream.StateReconnecting {
		return
	}
	if err := s.Pool.Submit(func() {
		n := s.Engine.Reevaluate(context.Background())
		s.logger.Info("Re-evaluated accounts after reconnect", "connection", change.ConnectionID, "accounts", n)
	}); err != nil {
		s.logger.Warn("Post-reconnect re-evaluation dropped", "error", err)
	}
}

func (s *Service) scheduleJobs(cfg *config.Config) error {
	jobs := []struct {
		name     string
		interval time.Duration
		job      scheduler.Job
	}{
		{"idempotency-sweep", cfg.Idempotency.SweepInterval, func(ctx context.Context) error {
			s.Executor.Sweep(ctx)
			return nil
		}},
		{"reevaluate", cfg.Monitor.ReevaluateEvery, func(ctx context.Context) error {
			if err := s.Engine.Healthy(); err != nil {
				return err
			}
			s.Engine.Reevaluate(ctx)
			return nil
		}},
		{"health-report", healthReportEvery, func(context.Context) error {
			if n := s.Health.Evaluate(); n > 0 {
				return fmt.Errorf("%d unhealthy components", n)
			}
			return nil
		}},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		if err := s.Scheduler.Every(j.name, j.interval, j.job); err != nil {
			return err
		}
	}

	if s.Journal != nil && cfg.Audit.Retention > 0 {
		retention := cfg.Audit.Retention
		return s.Scheduler.Cron("audit-retention", "@daily", func(ctx context.Context) error {
			n, err := s.Journal.DeleteOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			s.logger.Info("Pruned audit journal", "deleted", n)
			return nil
		})
	}
	return nil
}

// Runners returns the long-running components for App.Run
func (s *Service) Runners() []Runner {
	runners := []Runner{s.Stream, s.Engine, s.Scheduler}
	if s.Metrics != nil {
		runners = append(runners, s.Metrics)
	}
	return runners
}

// Close drains the closure pool and releases storage handles
func (s *Service) Close(context.Context) error {
	if s.Pool != nil {
		s.Pool.Stop()
	}
	var errs []error
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}
