// Package node carries the bootstrap every binary shares: env loading,
// config validation, logging, substrate connection, the gin router with
// its probe and metrics endpoints, and graceful shutdown.
package node

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/auth"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/health"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/middleware"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/tracing"
)

// Exit codes: 1 fatal config, 2 substrate unavailable at startup.
const (
	exitConfig    = 1
	exitSubstrate = 2
)

// App describes one binary. Register mounts its routes and returns an
// optional shutdown hook run before the HTTP server drains.
type App struct {
	Name     string
	Register func(ctx context.Context, cfg *config.Config, sub *substrate.Service, router *gin.Engine) (func(context.Context), error)
}

// Run boots the app and blocks until SIGINT/SIGTERM.
func Run(app App) {
	// Load .env for local development; path depends on how the binary
	// was launched.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(exitConfig)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(exitConfig)
	}
	ctx := context.Background()

	sub, err := substrate.NewService(cfg.SubstrateURL, cfg.SubstratePassword)
	if err != nil {
		slog.Error("Substrate unreachable", "addr", cfg.SubstrateURL, "error", err)
		os.Exit(exitSubstrate)
	}

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	if cfg.OtelCollectorAddr != "" {
		provider, err := tracing.InitTracer(ctx, app.Name, cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, collector unreachable")
		} else {
			router.Use(otelgin.Middleware(app.Name))
			defer func() { _ = provider.Shutdown(context.Background()) }()
		}
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	health.NewHandler(sub).RegisterRoutes(router)

	shutdown, err := app.Register(ctx, cfg, sub, router)
	if err != nil {
		slog.Error("Startup failed", "app", app.Name, "error", err)
		os.Exit(exitConfig)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		slog.Info("Server starting", "app", app.Name, "port", cfg.Port, "node_id", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down", "app", app.Name)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if shutdown != nil {
		shutdown(drainCtx)
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := sub.Close(); err != nil {
		slog.Error("Failed to close substrate connection", "error", err)
	}
	slog.Info("Server exiting", "app", app.Name)
}
