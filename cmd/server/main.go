package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashfleet/hashfleet/internal/authz"
	"github.com/hashfleet/hashfleet/internal/config"
	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/internal/resources"
	"github.com/hashfleet/hashfleet/internal/routes"
	"github.com/hashfleet/hashfleet/internal/services"
	"github.com/hashfleet/hashfleet/pkg/debug"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		debug.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		debug.Error("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.RunMigrations(); err != nil {
		debug.Error("Failed to run migrations: %v", err)
		os.Exit(1)
	}

	agentRepo := repository.NewAgentRepository(database)
	benchmarkRepo := repository.NewBenchmarkRepository(database)
	errorRepo := repository.NewAgentErrorRepository(database)
	hashlistRepo := repository.NewHashListRepository(database)
	attackRepo := repository.NewAttackRepository(database)
	campaignRepo := repository.NewCampaignRepository(database)
	taskRepo := repository.NewTaskRepository(database)
	reportRepo := repository.NewStatusReportRepository(database)

	hub := notify.NewHub()
	sinks := []notify.Notifier{hub}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
		debug.Info("Webhook event sink enabled: %s", cfg.WebhookURL)
	}
	var amqpSink *notify.AMQPSink
	if cfg.AMQPURL != "" {
		amqpSink = notify.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		sinks = append(sinks, amqpSink)
		debug.Info("AMQP event sink enabled on exchange %s", cfg.AMQPExchange)
	}
	emitter := notify.NewEmitter(sinks...)

	store := resources.NewFileStore(cfg.DataDir)
	authorizer := authz.NewMembershipAuthorizer(agentRepo)

	chunker := services.NewChunkingService(benchmarkRepo, cfg.ChunkDuration, cfg.DefaultBenchmarkSpeed)
	agentService := services.NewAgentService(database, agentRepo, benchmarkRepo, errorRepo, taskRepo, emitter)
	livenessService := services.NewLivenessService(database, agentRepo, taskRepo, cfg.HeartbeatTimeout, emitter)
	crackService := services.NewCrackService(database, hashlistRepo, taskRepo, attackRepo, campaignRepo, emitter)
	allocatorService := services.NewAllocatorService(database, attackRepo, campaignRepo, taskRepo, hashlistRepo, chunker, authorizer, emitter)
	taskStateService := services.NewTaskStateService(database, taskRepo, attackRepo, campaignRepo, hashlistRepo, reportRepo, crackService, emitter)
	campaignService := services.NewCampaignService(database, campaignRepo, attackRepo, taskRepo, hashlistRepo, store, emitter)
	progressService := services.NewProgressService(attackRepo, campaignRepo, taskRepo, hashlistRepo, reportRepo)

	if err := crackService.WarmFilter(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		debug.Warning("Crack filter warm-up failed: %v", err)
	}

	if err := livenessService.Start(cfg.SweepSchedule); err != nil {
		debug.Error("Failed to start liveness sweep: %v", err)
		os.Exit(1)
	}
	defer livenessService.Stop()

	router := routes.NewRouter(routes.Services{
		Agent:     agentService,
		Liveness:  livenessService,
		Allocator: allocatorService,
		TaskState: taskStateService,
		Campaign:  campaignService,
		Progress:  progressService,
		Hub:       hub,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		debug.Info("Server listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			debug.Error("HTTP server error: %v", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		debug.Info("Received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		debug.Error("Graceful shutdown failed: %v", err)
	}
	if amqpSink != nil {
		amqpSink.Close()
	}
	debug.Info("Server stopped")
}
