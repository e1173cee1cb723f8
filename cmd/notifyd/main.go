package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/brightfeed/notify/internal/aggregation"
	"github.com/brightfeed/notify/internal/bus"
	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/channel/email"
	"github.com/brightfeed/notify/internal/channel/push"
	"github.com/brightfeed/notify/internal/channel/sms"
	"github.com/brightfeed/notify/internal/config"
	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/delivery"
	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/fallback"
	"github.com/brightfeed/notify/internal/metrics"
	"github.com/brightfeed/notify/internal/retry"
)

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting notification pipeline",
		"bus_brokers", cfg.BusBrokers,
		"db_url", database.MaskDSN(cfg.DBURL),
		"redis_addr", cfg.RedisAddr,
		"debounce", cfg.DebounceDelay,
		"pool_size", cfg.ChannelPoolSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	slog.Info("Connecting to PostgreSQL database")
	db, err := database.NewDB(cfg.DBURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		slog.Info("Tip: Start Postgres with 'docker compose up -d postgres' or ensure Postgres is running")
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Connecting to Redis", "addr", cfg.RedisAddr)
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		slog.Info("Tip: Start Redis with 'docker compose up -d redis'")
		os.Exit(1)
	}
	defer redisClient.Close()

	collector := metrics.NewCollector(redisClient, "notifyd")
	go collector.Start(ctx)
	rec := metrics.NewCollectorAdapter(collector)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.RetryMax

	slog.Info("Connecting bus producer", "brokers", cfg.BusBrokers)
	producer, err := bus.NewProducer(cfg.BusBrokers, retryCfg, fallback.NewMeteredSink(db, rec))
	if err != nil {
		slog.Error("Failed to create bus producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	registry := channel.NewRegistry(
		push.New(cfg.PushProviderURL, cfg.PushProviderKey),
		email.NewSender(
			config.GetEnvOrDefault("EMAIL_FROM", "notifications@brightfeed.local"),
			cfg.EmailProviderKey,
		),
		sms.New(cfg.SMSProviderURL, cfg.SMSProviderKey),
	)

	orch := delivery.NewOrchestrator(db, registry, rec, cfg.DebounceDelay, retryCfg, cfg.ChannelPoolSize, cfg.ChannelQueueSize)
	orch.Start(ctx)
	defer orch.Stop()

	engine := aggregation.NewEngine(db, orch, cfg, rec)
	if err := engine.Rebuild(ctx); err != nil {
		slog.Error("Failed to rebuild aggregation state", "error", err)
		os.Exit(1)
	}

	replayer := fallback.NewReplayer(db, producer, rec, cfg.FallbackPollInterval, cfg.FallbackBatchSize, retryCfg)
	go replayer.Run(ctx)
	go replayer.RunJanitor(ctx)

	var wg sync.WaitGroup
	consumers := make([]*bus.Consumer, 0, len(events.Priorities))
	for _, priority := range events.Priorities {
		c, err := bus.NewConsumer(cfg.BusBrokers, priority, bus.ConsumerGroup("aggregator", priority))
		if err != nil {
			slog.Error("Failed to create bus consumer", "error", err, "priority", priority)
			os.Exit(1)
		}
		consumers = append(consumers, c)

		wg.Add(1)
		go func(c *bus.Consumer, p events.Priority) {
			defer wg.Done()
			runConsumer(ctx, c, engine, p)
		}(c, priority)
	}

	slog.Info("Notification pipeline running", "priorities", len(consumers))
	<-ctx.Done()

	for _, c := range consumers {
		c.Close()
	}
	wg.Wait()
	slog.Info("Notification pipeline stopped")
}

// setupLogging configures slog from LOG_LEVEL (debug, info, warn, error).
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
