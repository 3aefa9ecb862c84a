package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"kernelci.org/api/common/id"
	"kernelci.org/api/common/logger"
	"kernelci.org/api/core/config"
	"kernelci.org/api/core/db"
	"kernelci.org/api/internal/bus"
	"kernelci.org/api/internal/driver"
	"kernelci.org/api/internal/pubsub"
	"kernelci.org/api/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeDriver)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)
	logger.Setup(cfg)

	slog.InfoContext(ctx, "driver starting",
		"env", cfg.Env,
		"tick_period", cfg.Driver.TickPeriod)

	// Different snowflake node than the server so both can mint ids.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
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

	// The driver publishes its transitions through the same pub/sub path
	// as the API so subscribers cannot tell them apart.
	publisher := pubsub.New(pubsub.Config{
		EventSource:      cfg.PubSub.EventSource,
		ListenWaitBudget: cfg.PubSub.ListenWaitBudget,
	}, stores.Events(), stores.Subscribers(), wakeBus)

	d := driver.New(driver.Config{
		TickPeriod:              cfg.Driver.TickPeriod,
		StaleSubscriberStateAge: cfg.Driver.StaleSubscriberStateAge,
	}, stores.Nodes(), stores.Events(), stores.Subscribers(), publisher)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.InfoContext(ctx, "shutting down...")
		cancel()
	}()

	if err := d.Run(runCtx); err != nil && err != context.Canceled {
		slog.ErrorContext(ctx, "driver error", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "shutdown complete")
}

const banner = `
==============================================
  KernelCI API -- state machine driver
==============================================`
