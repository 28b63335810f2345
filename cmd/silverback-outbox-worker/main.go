// Command silverback-outbox-worker runs the transactional outbox relay: it
// polls a durable outbox table for unpublished rows and relays them to
// their destination brokers under a distributed lock, so only one replica
// relays at a time.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/silverback-go/silverback/pkg/broker"
	memorybroker "github.com/silverback-go/silverback/pkg/broker/adapters/memory"
	"github.com/silverback-go/silverback/pkg/concurrency/distlock"
	memorylock "github.com/silverback-go/silverback/pkg/concurrency/distlock/adapters/memory"
	redislock "github.com/silverback-go/silverback/pkg/concurrency/distlock/adapters/redis"
	"github.com/silverback-go/silverback/pkg/config"
	"github.com/silverback-go/silverback/pkg/logger"
	"github.com/silverback-go/silverback/pkg/outbox"
	memoryoutbox "github.com/silverback-go/silverback/pkg/outbox/adapters/memory"
	"github.com/silverback-go/silverback/pkg/outbox/adapters/postgres"

	goredis "github.com/redis/go-redis/v9"
)

// appConfig is loaded from the environment via pkg/config.
type appConfig struct {
	LogLevel    string `env:"LOG_LEVEL" env-default:"INFO"`
	LogFormat   string `env:"LOG_FORMAT" env-default:"JSON"`
	PostgresDSN string `env:"OUTBOX_POSTGRES_DSN"`
	RedisAddr   string `env:"OUTBOX_REDIS_ADDR"`
	outbox.WorkerConfig
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		logger.L().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	store, err := openStore(cfg)
	if err != nil {
		logger.L().Error("failed to open outbox store", "error", err)
		os.Exit(1)
	}

	locker := openLocker(cfg)

	b := memorybroker.New(memorybroker.Config{BufferSize: 64})
	resolve := func(endpoint string) (broker.Producer, error) {
		return b.Producer(endpoint)
	}

	worker := outbox.NewWorker(store, locker, resolve, cfg.WorkerConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.L().InfoContext(ctx, "outbox worker starting", "cadence", cfg.Cadence, "batch_size", cfg.BatchSize)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.L().ErrorContext(ctx, "outbox worker exited with error", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg appConfig) (outbox.Store, error) {
	if cfg.PostgresDSN == "" {
		return memoryoutbox.New(), nil
	}
	return postgres.Open(cfg.PostgresDSN)
}

func openLocker(cfg appConfig) distlock.Locker {
	if cfg.RedisAddr == "" {
		return memorylock.New()
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return redislock.New(client, "silverback:outbox:")
}
