package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cyberange/sandboxd/internal/auth"
	"github.com/cyberange/sandboxd/internal/config"
	"github.com/cyberange/sandboxd/internal/docker"
	"github.com/cyberange/sandboxd/internal/handler"
	"github.com/cyberange/sandboxd/internal/lifecycle"
	"github.com/cyberange/sandboxd/internal/logx"
	"github.com/cyberange/sandboxd/internal/monitor"
	"github.com/cyberange/sandboxd/internal/netiso"
	"github.com/cyberange/sandboxd/internal/policy"
	"github.com/cyberange/sandboxd/internal/sandbox"
	"github.com/cyberange/sandboxd/internal/service"
	"github.com/cyberange/sandboxd/internal/store"
)

func main() {
	logger, closeLogger, err := logx.Init("sandboxd")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	cfg := config.Load()

	// Initialize SQLite database for the audit trail
	dbPath := filepath.Join(cfg.DataDir, "sandboxd.db")
	slog.Info("initializing database", "component", "store", "db_path", dbPath)
	if err := store.InitDB(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.CloseDB()
	slog.Info("database initialized", "component", "store")

	// The daemon refuses to start without a reachable container runtime.
	// Running without one would mean accepting commands it cannot confine.
	engine, err := docker.NewClient()
	if err != nil {
		log.Fatalf("Failed to create docker client: %v", err)
	}
	ctx := context.Background()
	if err := engine.Ping(ctx); err != nil {
		log.Fatalf("Container runtime unreachable, sandbox unavailable: %v", err)
	}
	slog.Info("container runtime connected", "component", "docker")

	catalog, err := policy.LoadCatalog(cfg.PolicyFile, cfg.ScratchDir, cfg.TrainingSubnet)
	if err != nil {
		log.Fatalf("Failed to load security catalog: %v", err)
	}
	if cfg.PolicyFile != "" {
		slog.Info("security catalog loaded", "component", "policy", "path", cfg.PolicyFile)
	}
	validator := policy.NewValidator(catalog)

	mon, err := monitor.New(ctx, catalog, store.NewAuditStore(), cfg.RateLimitMax, cfg.RateLimitWindow)
	if err != nil {
		log.Fatalf("Failed to initialize security monitor: %v", err)
	}

	netMgr := netiso.NewManager(engine, cfg.TrainingSubnet, cfg.IsolatedSubnet)
	if _, err := netMgr.EnsureTrainingNetwork(ctx); err != nil {
		log.Fatalf("Failed to ensure training network: %v", err)
	}
	if _, err := netMgr.EnsureIsolatedNetwork(ctx); err != nil {
		log.Fatalf("Failed to ensure isolated network: %v", err)
	}
	slog.Info("networks ensured", "component", "netiso",
		"training", netiso.TrainingNetworkName, "isolated", netiso.IsolatedNetworkName)

	sandboxMgr := sandbox.NewManager(engine, netMgr, sandbox.Config{
		Image:      cfg.SandboxImage,
		ScratchDir: cfg.ScratchDir,
	})
	if err := sandboxMgr.Rebuild(ctx); err != nil {
		slog.Warn("failed to rebuild sandbox state from runtime", "component", "sandbox", "error", err)
	}

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	sandboxMgr.StartCleanupSweeper(sweepCtx, cfg.CleanupInterval, cfg.SandboxMaxAge)
	slog.Info("cleanup sweeper started", "component", "sandbox",
		"interval", cfg.CleanupInterval.String(), "max_age", cfg.SandboxMaxAge.String())

	operator, err := auth.NewOperatorFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize operator auth: %v", err)
	}

	executor := service.NewExecutor(validator, mon, engine, cfg.ScratchDir)

	drainState := lifecycle.NewDrainManager()

	// Create handlers
	executeHandler := handler.NewExecuteHandler(executor, sandboxMgr)
	sandboxHandler := handler.NewSandboxHandler(sandboxMgr)
	securityHandler := handler.NewSecurityHandler(mon, drainState, logger)
	networkHandler := handler.NewNetworkHandler(netMgr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		if err := engine.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "runtime unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	privileged := r.Group("/api/v1")
	privileged.Use(operator.Middleware())

	executeHandler.RegisterRoutes(api)
	sandboxHandler.RegisterRoutes(api)
	securityHandler.RegisterRoutes(api, privileged)
	networkHandler.RegisterRoutes(api, privileged)

	// No WriteTimeout: /execute holds the response open for the full
	// command timeout, which can reach the long-running tool ceiling.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "component", "http_server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down API server...")

	drainState.StartDraining()
	time.Sleep(2 * time.Second)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := drainState.WaitStreams(drainCtx); err != nil {
		log.Printf("API drained with timeout, remaining active streams: %d", drainState.ActiveStreams())
	}

	log.Println("API server stopped")
}
