package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"kernelci.org/api/common/id"
	"kernelci.org/api/common/logger"
	"kernelci.org/api/common/otel"
	"kernelci.org/api/core/config"
	"kernelci.org/api/core/db"
	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/bus"
	"kernelci.org/api/internal/http/middleware"
	httprouter "kernelci.org/api/internal/http/router"
	"kernelci.org/api/internal/pubsub"
	"kernelci.org/api/internal/service"
	"kernelci.org/api/internal/store"
)

const version = "dev"

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "api starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.Bootstrap(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to bootstrap schema", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.PubSub.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected")

	wakeBus, err := bus.NewRedisBus(ctx, redisClient)
	if err != nil {
		slog.ErrorContext(ctx, "failed to start wake bus", "error", err)
		os.Exit(1)
	}
	defer wakeBus.Close()

	stores := store.NewStores(database, cfg.PubSub.EventTTL)

	ps := pubsub.New(pubsub.Config{
		EventSource:      cfg.PubSub.EventSource,
		ListenWaitBudget: cfg.PubSub.ListenWaitBudget,
		KeepAlivePeriod:  cfg.PubSub.KeepAlivePeriod,
	}, stores.Events(), stores.Subscribers(), wakeBus)

	services := service.NewServices(service.ServicesConfig{
		Stores: stores,
		PubSub: ps,
	})

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go ps.RunKeepAlive(bgCtx)
	go runSubscriptionJanitor(bgCtx, ps, cfg.Driver.StaleSubscriptionAge)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	verifier := auth.NewVerifier(cfg.Auth.SecretKey)
	router := setupRouter(cfg, services, verifier)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long polls write late; keep this above the listen budget.
		WriteTimeout: cfg.PubSub.ListenWaitBudget + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, services *service.Services, verifier *auth.Verifier) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger
	// logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, services, verifier, httprouter.RouterConfig{
		Version:     version,
		EventSource: cfg.PubSub.EventSource,
	})

	return router
}

// runSubscriptionJanitor drops in-memory subscriptions nobody polls. The
// durable cursors behind them are cleaned up by the driver on a much longer
// clock.
func runSubscriptionJanitor(ctx context.Context, ps *pubsub.PubSub, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(maxIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := ps.DropStale(ctx, time.Now().UTC().Add(-maxIdle)); dropped > 0 {
				slog.InfoContext(ctx, "dropped stale subscriptions", "count", dropped)
			}
		}
	}
}

const banner = `
==============================================
  KernelCI API -- pipeline coordination hub
==============================================`
