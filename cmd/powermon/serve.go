package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/adapters/mqttpool"
	"github.com/voltflux/powermon/internal/auth"
	"github.com/voltflux/powermon/internal/config"
	"github.com/voltflux/powermon/internal/infrastructure/db"
	"github.com/voltflux/powermon/internal/ingest"
	httpapi "github.com/voltflux/powermon/internal/interfaces/http"
	"github.com/voltflux/powermon/internal/query"
	"github.com/voltflux/powermon/internal/subscribers"
	"github.com/voltflux/powermon/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbManager, err := db.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbManager.Close()
	repo := dbManager.Repository()

	metrics := telemetry.NewMetrics()
	registry := subscribers.NewRegistry(metrics)
	recorder := adapters.NewDeadLetterRecorder(repo.DeadLetters, registry)
	defer recorder.Close()

	policy := cfg.Ingest.Policy()
	pool := mqttpool.NewPool(policy, registry, recorder)
	defer pool.Shutdown()

	normalizer := ingest.NewNormalizer(repo.Readings, repo.Checkpoints, recorder, registry, metrics)
	factory := ingest.NewAdapterFactory(pool, policy, recorder, registry)
	manager := ingest.NewManager(repo.Devices, registry, normalizer, policy, factory)
	if err := manager.Startup(ctx); err != nil {
		return fmt.Errorf("start collectors: %w", err)
	}

	publisher := ingest.NewPublishService(pool, repo.Devices)

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer cache.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("query cache enabled")
	}

	engine := query.NewEngine(repo.Readings, repo.Devices, cache, cfg.Redis.TTL, cfg.Ingest.AggregatePushdown)
	lister := query.NewDeviceLister(repo.Devices, repo.Readings)
	authService := auth.NewService(repo.Users, cfg.Auth)

	server := httpapi.NewServer(cfg.Server, httpapi.Deps{
		Auth:      authService,
		Devices:   lister,
		Engine:    engine,
		Repo:      repo,
		Manager:   manager,
		Publisher: publisher,
		Registry:  registry,
		Metrics:   metrics,
		Pinger:    dbManager,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().Str("version", version).Msg("powermon running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Stop the outer surface first, then the collectors, then the broker
	// connections, then flush queued dead letters. The DB closes last via
	// defer so the flush still has a store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	manager.Shutdown()
	pool.Shutdown()
	recorder.Close()

	log.Info().Msg("powermon stopped")
	return nil
}
