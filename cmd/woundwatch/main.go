// WoundWatch orchestrator server — isolates inbound clinical input, runs the
// tokenization bridge between the Hospital and Processing stores, and drives
// the medical workflow through the priority task runner.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/carebridge/woundwatch/pkg/adapters"
	"github.com/carebridge/woundwatch/pkg/api"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/crypto"
	"github.com/carebridge/woundwatch/pkg/database"
	"github.com/carebridge/woundwatch/pkg/decision"
	"github.com/carebridge/woundwatch/pkg/dispatch"
	"github.com/carebridge/woundwatch/pkg/hospitalstore"
	"github.com/carebridge/woundwatch/pkg/ingest"
	"github.com/carebridge/woundwatch/pkg/inputqueue"
	"github.com/carebridge/woundwatch/pkg/notify"
	"github.com/carebridge/woundwatch/pkg/processingstore"
	"github.com/carebridge/woundwatch/pkg/retention"
	"github.com/carebridge/woundwatch/pkg/session"
	"github.com/carebridge/woundwatch/pkg/taskrunner"
	"github.com/carebridge/woundwatch/pkg/token"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting WoundWatch",
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect the two stores. They are physically separate databases and
	// must never share a DSN.
	hospitalCfg, err := database.LoadConfigFromEnv("HOSPITAL_DB")
	if err != nil {
		slog.Error("Failed to load Hospital Store config", "error", err)
		os.Exit(1)
	}
	processingCfg, err := database.LoadConfigFromEnv("PROCESSING_DB")
	if err != nil {
		slog.Error("Failed to load Processing Store config", "error", err)
		os.Exit(1)
	}
	if hospitalCfg.DSN() == processingCfg.DSN() {
		slog.Error("Hospital and Processing stores must be separate databases")
		os.Exit(1)
	}

	hospital, err := hospitalstore.Open(ctx, hospitalCfg)
	if err != nil {
		slog.Error("Failed to connect to Hospital Store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := hospital.Close(); err != nil {
			slog.Error("Error closing Hospital Store", "error", err)
		}
	}()

	processing, err := processingstore.Open(ctx, processingCfg)
	if err != nil {
		slog.Error("Failed to connect to Processing Store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := processing.Close(); err != nil {
			slog.Error("Error closing Processing Store", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL stores")

	// 3. One-time startup orphan cleanup
	if err := taskrunner.CleanupStartupOrphans(ctx, processing, podID, slog.Default()); err != nil {
		slog.Error("Failed to cleanup startup orphans", "error", err)
		// Non-fatal — continue
	}

	// 4. Audit, tokenization, and session services
	auditor := audit.NewService(processing, slog.Default())

	tokens := token.NewService(hospital, processing, auditor, cfg.Tokenization, slog.Default())
	sessions := session.NewManager(processing, auditor, cfg.Session, slog.Default())

	// Background loops get a cancelable context so shutdown can stop them
	// before the stores close.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go tokens.Run(bgCtx, cfg.Tokenization.ReconciliationGrace())
	go sessions.Run(bgCtx)
	slog.Info("Tokenization and session services started")

	// 5. Input isolation: keyring, packager, encrypted queue
	previousKeys := []string{}
	if cfg.Crypto.PreviousInputQueueKey != "" {
		previousKeys = append(previousKeys, cfg.Crypto.PreviousInputQueueKey)
	}
	keyring, err := crypto.NewKeyring(cfg.Crypto.InputQueueKey, previousKeys...)
	if err != nil {
		slog.Error("Failed to build input queue keyring", "error", err)
		os.Exit(1)
	}

	packager := ingest.NewPackager(cfg.Ingest)
	queue := inputqueue.New(processing, keyring, auditor, cfg.InputQueue, slog.Default())
	go queue.RunSweeper(bgCtx)
	slog.Info("Input isolation layer initialized")

	// 6. Clinical adapters, decision facade, notifier
	detector := adapters.NewDetectorClient(cfg.Adapters)
	clinical := adapters.NewClinicalClient(cfg.Adapters)
	facade := decision.NewFacade(cfg.Medical, slog.Default(),
		decision.GradingModule{}, decision.RiskModule{})
	notifier := notify.NewService(cfg.Notify, slog.Default())
	if notifier == nil {
		slog.Warn("Notification webhook not configured, outbound alerts disabled")
	}

	// 7. Start worker pool (before HTTP server)
	pool := taskrunner.NewPool(podID, processing, cfg, auditor, slog.Default())
	sessions.SetTaskCanceler(pool)
	executors := dispatch.NewExecutors(processing, tokens, sessions, facade,
		detector, clinical, notifier, auditor, slog.Default())
	executors.RegisterAll(pool)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. Start the dispatcher loops draining the input queue
	dispatcherConcurrency := getEnvInt("DISPATCHER_CONCURRENCY", 2)
	dispatcher := dispatch.NewDispatcher(queue, tokens, sessions, processing,
		pool, auditor, dispatcherConcurrency, slog.Default())
	go dispatcher.Run(bgCtx)

	// 8a. Retention cleanup loop
	cleaner := retention.NewService(processing, auditor, cfg, slog.Default())
	go cleaner.Run(bgCtx)

	// 9. Create and start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, hospital, processing, tokens, sessions,
		pool, auditor, packager, queue, slog.Default())

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("WoundWatch started successfully",
		"pod_id", podID,
		"workers", cfg.Worker.PoolSize)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop intake first so no new work is claimed,
	// then drain the pool, then stop the HTTP server.
	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Worker.GracefulShutdown())
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — in-flight tasks will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
