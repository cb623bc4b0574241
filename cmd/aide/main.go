// AIde server — serves the HTTP API and WebSocket turn channel, runs the
// orchestrator, and ships telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aide-hq/aide/pkg/api"
	"github.com/aide-hq/aide/pkg/cleanup"
	"github.com/aide-hq/aide/pkg/config"
	"github.com/aide-hq/aide/pkg/database"
	"github.com/aide-hq/aide/pkg/events"
	"github.com/aide-hq/aide/pkg/llm"
	"github.com/aide-hq/aide/pkg/orchestrator"
	"github.com/aide-hq/aide/pkg/ratelimit"
	"github.com/aide-hq/aide/pkg/store"
	"github.com/aide-hq/aide/pkg/telemetry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// devScript is the scripted response used when no provider key is
// configured: every turn answers with a single voice line so the streaming
// path stays exercisable without spending tokens.
func devScript(*llm.Request) string {
	return `{"t":"voice","text":"No model provider is configured; this is a scripted development response."}`
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting AIde", "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)

	// 3. Telemetry pipeline (flight recorder)
	queue := telemetry.NewQueue(cfg.Telemetry.QueueSize)
	sinks := []telemetry.Sink{telemetry.NewDBSink(st)}
	if cfg.Telemetry.Dir != "" {
		fsSink, fsErr := telemetry.NewFSSink(cfg.Telemetry.Dir)
		if fsErr != nil {
			slog.Error("Failed to open telemetry directory", "dir", cfg.Telemetry.Dir, "error", fsErr)
			os.Exit(1)
		}
		sinks = append(sinks, fsSink)
	}
	uploader := telemetry.NewUploader(queue, sinks, telemetry.UploaderConfig{
		BatchSize:     cfg.Telemetry.BatchSize,
		FlushInterval: cfg.Telemetry.FlushInterval,
		RetryInterval: cfg.Telemetry.RetryInterval,
	})
	uploader.Start(ctx)
	slog.Info("Telemetry uploader started", "sinks", len(sinks))

	// 4. LLM provider. Without an Anthropic key the scripted mock serves
	// turns, paced by the configured delay profile.
	var (
		llmClient llm.Client
		completer llm.Completer
		profiles  events.ProfileSetter
	)
	if cfg.APIKeys.Anthropic != "" {
		llmClient, err = llm.NewAnthropicFromAPIKey(cfg.APIKeys.Anthropic, llm.AnthropicOptions{})
		if err != nil {
			slog.Error("Failed to initialize Anthropic client", "error", err)
			os.Exit(1)
		}
		slog.Info("Anthropic provider initialized")
	} else {
		mock := llm.NewMock(devScript, llm.Profile(cfg.DelayProfile))
		llmClient = mock
		completer = mock
		profiles = mock
		slog.Warn("No Anthropic API key configured, using scripted provider",
			"delay_profile", mock.Profile())
	}
	if cfg.APIKeys.OpenAI != "" {
		completer, err = llm.NewOpenAIFromAPIKey(cfg.APIKeys.OpenAI)
		if err != nil {
			slog.Error("Failed to initialize OpenAI client", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenAI shadow provider initialized")
	}

	// 5. Shadow runner — only when a completer exists and shadow models are
	// configured.
	var shadows *telemetry.ShadowRunner
	if completer != nil && (cfg.Models.L2Shadow != "" || cfg.Models.L3Shadow != "") {
		shadows = telemetry.NewShadowRunner(completer, queue, cfg.Pricing, 30*time.Second)
		slog.Info("Shadow runner initialized",
			"l2_shadow", cfg.Models.L2Shadow, "l3_shadow", cfg.Models.L3Shadow)
	}

	// 6. Orchestrator
	orch, err := orchestrator.New(cfg, st, llmClient, queue, shadows)
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	// 7. Streaming infrastructure: frames persist to ws_events and fan out
	// over pg_notify; every pod's listener broadcasts to its sockets.
	publisher := events.NewFramePublisher(dbClient.DB())
	limiter := ratelimit.New(cfg.RateLimit.FreeTierTurnsPerWeek)
	limiter.Start(ctx)
	defer limiter.Stop()

	connManager := events.NewConnectionManager(events.ManagerConfig{
		Catchup:  events.NewCatchupStore(dbClient.DB()),
		Turns:    orch,
		Sinks:    publisher,
		Profiles: profiles,
		Limiter:  limiter,
	})

	retention := cleanup.NewService(cfg.Retention, dbClient.DB())
	retention.Start(ctx)
	defer retention.Stop()

	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 8. HTTP server
	httpServer := api.NewServer(cfg, dbClient, st, connManager)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("AIde started successfully", "port", cfg.Server.Port)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests, then flush telemetry.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 10*time.Second)
	defer flushCancel()
	uploader.Stop(flushCtx)

	slog.Info("Shutdown complete")
}
