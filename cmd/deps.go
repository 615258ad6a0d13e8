package main

import (
	"context"
	"fmt"
	"log/slog"

	"keeper/internal/broadcast"
	"keeper/internal/caldav"
	"keeper/internal/config"
	"keeper/internal/coordinator"
	"keeper/internal/google"
	"keeper/internal/outlook"
	"keeper/internal/provider"
	"keeper/internal/server"
	"keeper/internal/store"
	"keeper/internal/syncer"

	"github.com/redis/go-redis/v9"
)

// deps is the process wiring shared by every command.
type deps struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()

	store        *store.Store
	redis        *redis.Client
	broadcasts   *broadcast.Service
	sockets      *broadcast.Handler
	orchestrator *syncer.Orchestrator
}

func newDeps(ctx context.Context) (*deps, error) {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, logger: logger, closeLog: closeLog}

	d.store, err = store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := d.store.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}

	var (
		generations coordinator.Store
		pubsub      broadcast.PubSub
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		d.redis = redis.NewClient(opts)
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		generations = coordinator.NewRedisStore(d.redis)
		pubsub = broadcast.NewRedisPubSub(d.redis, logger)
	} else {
		logger.Info("REDIS_URL not set, coordinating syncs within this process only.")
		generations = coordinator.NewMemoryStore()
		pubsub = broadcast.NewMemoryPubSub()
	}

	registry := broadcast.NewRegistry()
	d.broadcasts = broadcast.NewService(pubsub, registry, logger)
	d.sockets = broadcast.NewHandler(registry, logger, server.StatusOnConnect(d.store))
	d.orchestrator = syncer.NewOrchestrator(
		d.factories(),
		d.store,
		coordinator.New(generations, logger),
		d.broadcasts,
		cfg.Location,
		logger,
	)
	return d, nil
}

// factories returns a provider factory for every destination kind that is configured.
func (d *deps) factories() []provider.Factory {
	loc := d.cfg.Location
	factories := []provider.Factory{
		caldav.NewFactory(loc, d.logger),
		caldav.NewFastMailFactory(loc, d.logger),
		caldav.NewICloudFactory(loc, d.logger),
	}

	if oauthConfig, err := google.OAuthConfig(d.cfg.GoogleClientID, d.cfg.GoogleClientSecret); err == nil {
		factories = append(factories, google.NewFactory(oauthConfig, d.store, loc, d.logger))
	} else {
		d.logger.Warn("Google destinations disabled", "error", err)
	}

	if d.cfg.MicrosoftClientID != "" {
		oauthConfig := outlook.OAuthConfig(d.cfg.MicrosoftClientID, d.cfg.MicrosoftClientSecret)
		factories = append(factories, outlook.NewFactory(oauthConfig, d.store, loc, d.logger))
	} else {
		d.logger.Debug("Outlook destinations disabled, MICROSOFT_CLIENT_ID not set.")
	}
	return factories
}

func (d *deps) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	d.closeLog()
}
