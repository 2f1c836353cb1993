package main

import (
	"context"
	"flag"
	"os"

	"riskguard/internal/bootstrap"
	"riskguard/pkg/logging"
	"riskguard/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		logger, _ := logging.NewZapLogger("INFO")
		logger.Fatal("Failed to initialize application", "config", *configFile, "error", err)
	}
	logger := app.Logger
	if zl, ok := logger.(*logging.ZapLogger); ok {
		defer func() { _ = zl.Sync() }()
	}

	tel, err := telemetry.Setup(app.Cfg.System.ServiceName)
	if err != nil {
		logger.Fatal("Failed to setup telemetry", "error", err)
	}
	app.OnShutdown("telemetry", tel.Shutdown)

	riskMetrics, err := telemetry.NewRiskMetrics(tel.Meter())
	if err != nil {
		logger.Fatal("Failed to create risk metrics", "error", err)
	}

	logger.Info("Starting risk guard",
		"accounts", len(app.Cfg.Monitor.Accounts),
		"symbols", len(app.Cfg.Monitor.Symbols),
		"idempotency_backend", app.Cfg.Idempotency.Backend)

	svc, err := bootstrap.Build(context.Background(), app.Cfg, logger, riskMetrics)
	if err != nil {
		logger.Fatal("Failed to build service", "error", err)
	}
	app.OnShutdown("service", svc.Close)

	if err := app.Run(svc.Runners()...); err != nil {
		os.Exit(1)
	}
}
