// Package main is the entry point for the supervisor daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/supervisor/internal/common/config"
	"github.com/kandev/supervisor/internal/common/logger"
	"github.com/kandev/supervisor/internal/supervisor"
	"github.com/kandev/supervisor/internal/supervisor/api"
	"github.com/kandev/supervisor/internal/supervisor/sessionbus"
	"github.com/kandev/supervisor/internal/supervisor/streaming"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting supervisor daemon")

	// 3. Create a root context, cancelled on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Build the core loop and caps/thresholds from configuration.
	caps := supervisor.Caps{
		ActivityFeedLimit: cfg.Supervisor.ActivityFeedLimit,
		ChatHistoryLimit:  cfg.Supervisor.ChatHistoryLimit,
		SubtaskEventLimit: cfg.Supervisor.SubtaskEventLimit,
		ChatFeedLimit:     cfg.Supervisor.ChatFeedLimit,
	}
	thresholds := supervisor.HealthThresholds{
		StaleAfterMs:        cfg.Supervisor.StaleAfterMs,
		DisconnectedAfterMs: cfg.Supervisor.DisconnectedAfterMs,
	}
	loop := supervisor.NewLoop(caps, thresholds, log)

	// 5. Restore persisted state, if any.
	snapshotPath := supervisor.SnapshotPath(cfg.Persistence.DataDir)
	restored, err := supervisor.LoadSnapshot(snapshotPath)
	if err != nil {
		log.Fatal("failed to load supervisor snapshot", zap.Error(err))
	}
	loop.Restore(restored)
	log.Info("restored supervisor snapshot", zap.String("path", snapshotPath))

	// 6. Connect the NATS-backed session bus adapter.
	sessions, err := sessionbus.Connect(cfg.NATS, loop, log)
	if err != nil {
		log.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer sessions.Close()
	log.Info("connected to nats event bus")

	// 7. Build the executor, chat controller, and router settings.
	executor := supervisor.NewExecutor(sessions)

	routerSettings := func() supervisor.RouterSettings {
		return supervisor.RouterSettings{
			DedicatedWorkspaceEnabled: cfg.Supervisor.DedicatedWorkspaceEnabled,
			DedicatedWorkspaceID:      cfg.Supervisor.DedicatedWorkspaceID,
			FastModel:                 cfg.Supervisor.FastModel,
		}
	}
	chat := supervisor.NewChatController(loop, executor, sessions, sessions, routerSettings, caps)

	clock := func() int64 { return time.Now().UnixMilli() }
	service := supervisor.NewService(loop, executor, chat, clock, log)

	// 8. Create the WebSocket hub and install it as the loop's observer.
	wsHub := streaming.NewHub(log)
	go wsHub.Run(ctx)
	loop.SetObserver(wsHub)

	// 9. Start the periodic health pull.
	healthPuller := supervisor.NewHealthPuller(loop, sessions, sessions, clock, cfg.Supervisor.HealthTickDuration(), log)
	go healthPuller.Run(ctx)

	// 10. Periodically persist a snapshot.
	go runPersistLoop(ctx, loop, snapshotPath, log)

	// 11. Set up the HTTP server with Gin.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log))
	router.Use(api.Recovery(log))
	router.Use(api.CORS())

	// 12. Register the RPC gateway and WebSocket feed routes.
	v1 := router.Group("/api/v1/supervisor")
	api.SetupRoutes(v1, service, log)
	streaming.SetupRoutes(v1, streaming.NewHandler(wsHub, log))

	// 13. Health check endpoint.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 14. Create and start the HTTP server.
	port := cfg.Server.Port
	if port == 0 {
		port = 8083
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down supervisor daemon")

	// 16. Graceful shutdown: stop background goroutines, drain the HTTP
	// server, and persist a final snapshot.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if err := supervisor.SaveSnapshot(snapshotPath, loop.Snapshot()); err != nil {
		log.Error("failed to persist final supervisor snapshot", zap.Error(err))
	}

	log.Info("supervisor daemon stopped")
}

// runPersistLoop periodically writes a snapshot of loop's state to
// path, stopping when ctx is cancelled.
func runPersistLoop(ctx context.Context, loop *supervisor.Loop, path string, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := supervisor.SaveSnapshot(path, loop.Snapshot()); err != nil {
				log.Warn("failed to persist supervisor snapshot", zap.Error(err))
			}
		}
	}
}
