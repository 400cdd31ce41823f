// Command change-applier drains the board change queue into the tables.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"mindspace-board/config"
	"mindspace-board/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	names := storage.Names{
		TasksTable:    cfg.Storage.TasksTable,
		GroupsTable:   cfg.Storage.GroupsTable,
		ListsTable:    cfg.Storage.ListsTable,
		SettingsTable: cfg.Storage.SettingsTable,
		ChangeQueue:   cfg.Storage.ChangeQueue,
	}
	store, err := storage.New(cfg.Storage.ConnectionString, names)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisOpts, err := config.RedisOptions(cfg.Redis.ConnectionString)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()
	cache := storage.NewCache(store, rc, cfg.Redis.CacheTTL.Duration)

	applier, err := storage.NewApplier(cfg.Storage.ConnectionString, names, store, cache, logger)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := applier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("change applier stopped")
	}
}
