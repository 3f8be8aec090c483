// Package main is the entry point for the remedyd remediation daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remedyd/internal/api"
	"remedyd/internal/config"
	"remedyd/internal/evidence"
	"remedyd/internal/notify"
	"remedyd/internal/remediation"
	"remedyd/internal/rollback"
	"remedyd/internal/storage"
	"remedyd/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"storage_enabled", cfg.Storage.Enabled,
		"redis_enabled", cfg.Storage.Redis.Enabled,
		"events_enabled", cfg.Events.Enabled,
		"archive_enabled", cfg.Evidence.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Evidence and record stores. ClickHouse when storage is enabled,
	// in-memory otherwise.
	var (
		evidenceStore evidence.Store
		recordStore   remediation.RecordStore
		chClient      *storage.ClickHouseClient
	)
	if cfg.Storage.Enabled {
		chConfig := storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		}

		chClient, err = storage.NewClickHouseClient(chConfig)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		es, err := storage.NewEvidenceStore(ctx, chClient, logger)
		if err != nil {
			slog.Error("failed to initialize evidence store", "error", err)
			os.Exit(1)
		}
		evidenceStore = es

		rs, err := storage.NewRecordStore(ctx, chClient, logger)
		if err != nil {
			slog.Error("failed to initialize record store", "error", err)
			os.Exit(1)
		}
		recordStore = rs
	} else {
		evidenceStore = evidence.NewMemoryStore()
		recordStore = remediation.NewMemoryRecordStore()
	}

	ledgerCfg := evidence.DefaultLedgerConfig()
	ledgerCfg.KeyPath = cfg.Evidence.KeyPath
	ledgerCfg.Retention = cfg.Evidence.Retention
	ledgerCfg.Logger = logger

	ledger, err := evidence.NewLedger(evidenceStore, ledgerCfg, logger)
	if err != nil {
		slog.Error("failed to initialize evidence ledger", "error", err)
		os.Exit(1)
	}

	// Retention archiver.
	var archiver *evidence.Archiver
	if cfg.Evidence.Archive.Enabled {
		archiveCfg := evidence.ArchiveConfig{
			Region:          cfg.Evidence.Archive.Region,
			Bucket:          cfg.Evidence.Archive.Bucket,
			Prefix:          cfg.Evidence.Archive.Prefix,
			Endpoint:        cfg.Evidence.Archive.Endpoint,
			AccessKeyID:     cfg.Evidence.Archive.AccessKeyID,
			SecretAccessKey: cfg.Evidence.Archive.SecretAccessKey,
			UsePathStyle:    cfg.Evidence.Archive.UsePathStyle,
			SweepInterval:   cfg.Evidence.Archive.SweepInterval,
		}
		archiver, err = evidence.NewArchiver(ctx, evidenceStore, archiveCfg, logger)
		if err != nil {
			slog.Error("failed to initialize evidence archiver", "error", err)
			os.Exit(1)
		}
		archiver.Start(ctx)
	}

	// Remediation providers. The simulator backs all provider interfaces
	// until real integrations are configured.
	sim := remediation.NewSimulator()
	providers := remediation.SimulatedProviders(sim)

	executor := remediation.NewExecutor(providers, recordStore, ledger, logger)

	catalogue := rollback.NewCatalogue(providers)
	registry := rollback.NewRegistry(catalogue, ledger, logger)
	coordinator := rollback.NewCoordinator(registry, ledger, logger)

	// Workflow run state. Redis when enabled, in-memory otherwise.
	var (
		executions workflow.ExecutionStore
		approvals  workflow.ApprovalStore
	)
	if cfg.Storage.Redis.Enabled {
		redisClient, err := storage.NewRedisClient(storage.RedisConfig{
			Addr:         cfg.Storage.Redis.Addr,
			Password:     cfg.Storage.Redis.Password,
			DB:           cfg.Storage.Redis.DB,
			DialTimeout:  cfg.Storage.Redis.DialTimeout,
			ReadTimeout:  cfg.Storage.Redis.ReadTimeout,
			WriteTimeout: cfg.Storage.Redis.WriteTimeout,
			PoolSize:     cfg.Storage.Redis.PoolSize,
			TLSEnabled:   cfg.Storage.Redis.TLSEnabled,
		})
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		executions = storage.NewRedisExecutionStore(redisClient, logger)
		approvals = storage.NewRedisApprovalStore(redisClient, logger)
	} else {
		executions = workflow.NewMemoryExecutionStore()
		approvals = workflow.NewMemoryApprovalStore()
	}

	// Notification channels.
	var channels []notify.Channel
	if cfg.Notify.Email.Enabled {
		channels = append(channels, notify.NewEmailChannel(notify.EmailConfig{
			SMTPHost: cfg.Notify.Email.SMTPHost,
			SMTPPort: cfg.Notify.Email.SMTPPort,
			Username: cfg.Notify.Email.Username,
			Password: cfg.Notify.Email.Password,
			From:     cfg.Notify.Email.From,
		}))
	}
	if cfg.Notify.Slack.Enabled {
		channels = append(channels, notify.NewSlackChannel(
			cfg.Notify.Slack.WebhookURL,
			cfg.Notify.Slack.Channel,
			cfg.Notify.Slack.Username,
		))
	}
	if cfg.Notify.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookChannel(
			cfg.Notify.Webhook.Name,
			cfg.Notify.Webhook.URL,
			cfg.Notify.Webhook.Headers,
		))
	}
	dispatcher := notify.NewDispatcher(logger, channels...)

	roles := make(map[string][]notify.Approver, len(cfg.Approvers))
	for role, members := range cfg.Approvers {
		for _, m := range members {
			roles[role] = append(roles[role], notify.Approver{
				ID:          m.ID,
				Email:       m.Email,
				DisplayName: m.DisplayName,
			})
		}
	}
	directory := notify.NewStaticDirectory(roles)

	// Lifecycle event publishing.
	var publisher workflow.Publisher = workflow.NopPublisher{}
	if cfg.Events.Enabled {
		publisher = workflow.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, logger)
	}
	defer publisher.Close()

	engineCfg := workflow.Config{
		DefaultStepTimeout:     cfg.Engine.DefaultStepTimeout,
		DefaultApprovalTimeout: cfg.Engine.DefaultApprovalTimeout,
		ApprovalSweepInterval:  cfg.Engine.ApprovalSweepInterval,
		RetryBackoffUnit:       cfg.Engine.RetryBackoffUnit,
		RollbackTTL:            cfg.Engine.RollbackTTL,
		EscalationRole:         cfg.Engine.EscalationRole,
	}

	engine := workflow.NewEngine(engineCfg, workflow.Deps{
		Executions:  executions,
		Approvals:   approvals,
		Executor:    executor,
		Coordinator: coordinator,
		Directory:   directory,
		Notifier:    dispatcher,
		Ledger:      ledger,
		Publisher:   publisher,
		Logger:      logger,
	})

	// Load workflow definitions.
	defs, err := workflow.LoadDefinitionDir(cfg.Workflows.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("workflow definition directory not found", "dir", cfg.Workflows.Dir)
		} else {
			slog.Error("failed to load workflow definitions", "error", err)
			os.Exit(1)
		}
	}
	for _, def := range defs {
		if err := engine.RegisterDefinition(def); err != nil {
			slog.Error("failed to register workflow", "workflow_id", def.ID, "error", err)
			os.Exit(1)
		}
		slog.Info("workflow registered", "workflow_id", def.ID, "steps", len(def.Steps))
	}

	service := workflow.NewService(engine, ledger, registry, coordinator)

	// HTTP API
	mux := http.NewServeMux()
	handler := api.NewHandler(service, logger)
	handler.Routes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background sweeps: approval expiry and rollback entry expiry.
	engine.StartSweep(ctx)
	registry.StartSweep(ctx, cfg.Engine.ApprovalSweepInterval)

	go func() {
		slog.Info("starting remediation server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("remedyd started", "workflows", len(defs))

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	engine.Stop()
	registry.Stop()

	if archiver != nil {
		archiver.Stop()
	}

	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	slog.Info("remedyd stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
