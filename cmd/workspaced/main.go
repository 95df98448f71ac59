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

	"github.com/kandev/workspace/internal/artifact"
	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/credentials"
	"github.com/kandev/workspace/internal/events/bus"
	"github.com/kandev/workspace/internal/persistence"
	"github.com/kandev/workspace/internal/sandbox"
	"github.com/kandev/workspace/internal/workspace"
	"github.com/kandev/workspace/internal/workspace/api"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting workspaced service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL selects the in-memory bus.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the relational store
	db, driver, closeDB, err := persistence.Provide(cfg, log)
	if err != nil {
		if cfg.Database.Required {
			log.Fatal("Failed to open database", zap.Error(err))
		}
		log.Warn("Database unavailable, continuing without persistence", zap.Error(err))
	}
	if closeDB != nil {
		defer func() {
			if err := closeDB(); err != nil {
				log.Error("Database close error", zap.Error(err))
			}
		}()
	}

	var sessionStore workspace.Store
	var artifactStore *artifact.Store
	if db != nil {
		store, err := workspace.NewSQLStore(db, driver)
		if err != nil {
			log.Fatal("Failed to initialize session store", zap.Error(err))
		}
		sessionStore = store

		repo, err := artifact.NewSQLRepository(db, driver)
		if err != nil {
			log.Fatal("Failed to initialize artifact repository", zap.Error(err))
		}
		blobPath, err := cfg.Artifact.ExpandedBlobPath()
		if err != nil {
			log.Fatal("Failed to resolve blob path", zap.Error(err))
		}
		blobs, err := artifact.NewFileBlobStore(blobPath)
		if err != nil {
			log.Fatal("Failed to initialize blob store", zap.Error(err))
		}
		artifactStore = artifact.NewStore(repo, blobs, cfg.Artifact, log)
	}

	// 6. Initialize the Docker control plane when the remote backend may be used
	var dockerClient *sandbox.DockerClient
	if cfg.Sandbox.Backend != sandbox.BackendLocal {
		dockerClient, err = sandbox.NewDockerClient(cfg.Sandbox, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker client", zap.Error(err))
		}
		defer dockerClient.Close()

		if err := dockerClient.Ping(ctx); err != nil {
			if cfg.Sandbox.Backend == sandbox.BackendRemote {
				log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
			}
			log.Warn("Docker daemon unreachable, auto backend falls back to local", zap.Error(err))
		} else {
			log.Info("Connected to Docker daemon")
		}
	}

	// 7. Initialize the credentials manager for clone tokens
	credsMgr := credentials.NewManager(log)
	credsMgr.AddProvider(credentials.NewEnvProvider("WORKSPACE_"))
	log.Info("Initialized credentials manager")

	// 8. Initialize the workspace manager
	manager := workspace.NewManager(cfg, sessionStore, artifactStore, credsMgr, dockerClient, eventBus, log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start workspace manager", zap.Error(err))
	}
	log.Info("Started workspace manager")

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	// 10. Register API routes
	api.SetupRoutes(router.Group("/api/v1"), manager, log)

	// Health check endpoint at root level
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": len(manager.ListSessions()),
		})
	})

	// 11. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down workspaced service...")

	// 14. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	manager.Stop(shutdownCtx)

	log.Info("workspaced service stopped")
}
