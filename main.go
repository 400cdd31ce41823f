package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"mindspace-board/api"
	"mindspace-board/config"
	"mindspace-board/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Auth.Validate(); err != nil {
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
	if cfg.Storage.Provision {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := storage.Provision(ctx, cfg.Storage.ConnectionString, names)
		cancel()
		if err != nil {
			log.Fatalf("provision storage: %v", err)
		}
		logger.Info("storage provisioned")
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

	var jwks *keyfunc.JWKS
	if cfg.Auth.SharedSecret == "" {
		jwks, err = keyfunc.Get(cfg.Auth.JWKSURL(), keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
	} else {
		logger.Warn("shared secret auth enabled; do not use in production")
	}
	auth := api.NewAuth(jwks, api.AuthConfig{
		Audience:     cfg.Auth.Audience,
		Issuer:       cfg.Auth.IssuerOrDefault(),
		SharedSecret: cfg.Auth.SharedSecret,
		KeyCacheTTL:  cfg.Auth.JWKSCacheTTL.Duration,
	})

	notifier := api.NewRedisNotifier(rc, cfg.Redis.NotifyChannel)
	outbox, err := api.NewOutbox(api.OutboxConfigFromEnv(), cache, notifier, logger)
	if err != nil {
		log.Fatalf("outbox: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			api.HeaderWorkspaceID, api.HeaderIdempotencyKey,
		},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.NewServer(api.Options{
		Store:          cache,
		Auth:           auth,
		Outbox:         outbox,
		Deduper:        api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL.Duration),
		Notifier:       notifier,
		Logger:         logger,
		InlineTimeout:  cfg.InlineTimeout.Duration,
		SessionIdleTTL: cfg.SessionIdleTTL.Duration,
	}).Register(e)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	outbox.Close()
}
