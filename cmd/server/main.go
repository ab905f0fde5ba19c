package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/costsentry/costsentry/internal/alerting"
	"github.com/costsentry/costsentry/internal/api"
	"github.com/costsentry/costsentry/internal/bridge"
	"github.com/costsentry/costsentry/internal/config"
	"github.com/costsentry/costsentry/internal/ingest"
	"github.com/costsentry/costsentry/internal/ingest/costfeed"
	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/internal/metrics"
	"github.com/costsentry/costsentry/internal/service/action"
	"github.com/costsentry/costsentry/internal/service/baseline"
	"github.com/costsentry/costsentry/internal/service/detector"
	"github.com/costsentry/costsentry/internal/service/poller"
	"github.com/costsentry/costsentry/internal/service/proposer"
	"github.com/costsentry/costsentry/internal/storage"
	"github.com/costsentry/costsentry/pkg/models"
)

// alertHandler feeds terminal lifecycle events into the human notifier
type alertHandler struct {
	notifier alerting.Notifier
}

func (h *alertHandler) OnActionTerminal(a *models.Action) {
	h.notifier.ActionTerminal(a)
}

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting CostSentry server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	sampleStore := storage.NewSampleStore(db)
	anomalyStore := storage.NewAnomalyStore(db)
	actionStore := storage.NewActionStore(db)

	// Seed the per-status gauges from persisted state
	counts, err := actionStore.CountByStatus(ctx)
	if err != nil {
		logger.Error("failed to count actions", slog.String("error", err.Error()))
		os.Exit(1)
	}
	statusCounts := make([]metrics.StatusCount, 0, len(counts))
	for status, count := range counts {
		statusCounts = append(statusCounts, metrics.StatusCount{
			Status: string(status),
			Count:  count,
		})
	}
	metrics.InitializeActionMetrics(statusCounts)

	// Initialize billing feed sources
	var sources []ingest.Source
	for name, src := range map[string]config.SourceConfig{
		"aws":   cfg.Sources.AWS,
		"gcp":   cfg.Sources.GCP,
		"azure": cfg.Sources.Azure,
	} {
		if !src.Enabled {
			continue
		}
		sources = append(sources, costfeed.NewClient(name, src.BaseURL, src.APIKey))
		logger.Info("initialized billing feed", slog.String("provider", name))
	}
	if len(sources) == 0 {
		logger.Warn("no billing feeds configured, ingestion limited to manual samples")
	}

	// Human alerting (noop when no webhook configured)
	alerts := alerting.NewSlack(cfg.Alerting.SlackWebhookURL)

	// Lifecycle engine with the orchestrator bridge as notifier
	engineOpts := []action.Option{
		action.WithLogger(logger),
		action.WithEventHandler(&alertHandler{notifier: alerts}),
		action.WithSweepInterval(cfg.Lifecycle.SweepInterval),
		action.WithApprovalSLA(cfg.Lifecycle.ApprovalSLA),
		action.WithExecutionSLA(cfg.Lifecycle.ExecutionSLA),
	}
	if cfg.Orchestrator.ResumeURL != "" {
		orchestrator := bridge.New(cfg.Orchestrator.ResumeURL, cfg.Orchestrator.Token,
			bridge.WithRequestTimeout(cfg.Orchestrator.RequestTimeout),
			bridge.WithMaxAttempts(cfg.Orchestrator.MaxAttempts),
			bridge.WithBackoffBase(cfg.Orchestrator.BackoffBase),
			bridge.WithRateLimit(cfg.Orchestrator.RatePerSecond))
		engineOpts = append(engineOpts, action.WithNotifier(orchestrator))
		logger.Info("initialized orchestrator bridge",
			slog.String("resume_url", cfg.Orchestrator.ResumeURL))
	} else {
		logger.Warn("no orchestrator configured, approvals will not be delivered")
	}
	engine := action.NewEngine(actionStore, engineOpts...)

	// Detection pipeline
	calculator := baseline.NewCalculator(sampleStore,
		baseline.WithWindowDays(cfg.Detection.WindowDays),
		baseline.WithMinDays(cfg.Detection.MinBaselineDays))

	det := detector.New(calculator, anomalyStore,
		detector.WithEpsilon(cfg.Detection.Epsilon),
		detector.WithThresholds(detector.Thresholds{
			Low:      cfg.Detection.ThresholdLow,
			Medium:   cfg.Detection.ThresholdMedium,
			High:     cfg.Detection.ThresholdHigh,
			Critical: cfg.Detection.ThresholdCritical,
		}))

	prop := proposer.New(
		proposer.WithTrivialSavings(cfg.Proposer.TrivialSavingsThreshold))

	driver := poller.New(sources, sampleStore, det, prop, engine,
		poller.WithLogger(logger),
		poller.WithPollInterval(cfg.Detection.PollInterval),
		poller.WithAlerts(alerts))

	// Initialize API server (not ready yet)
	server := api.New(anomalyStore, actionStore, engine, sampleStore,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithStatusCheck("lifecycle", engine.IsRunning),
		api.WithStatusCheck("poller", driver.IsRunning))

	// Expire anything that blew its SLA while we were down, then open up
	expired := engine.SweepTimeouts(ctx)
	if expired > 0 {
		logger.Info("startup sweep expired stale actions", slog.Int("count", expired))
	}
	server.SetReady(true)

	// Start background services
	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start lifecycle engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := driver.Start(ctx); err != nil {
		logger.Error("failed to start poller", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Mark server as not ready to stop accepting new requests
		server.SetReady(false)

		// Stop ingestion first so no new work enters the lifecycle, then let
		// the engine drain in-flight notifications
		driver.Stop()
		engine.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
