// Command tradingbot runs the contrarian pullback trading engine: it loads
// configuration, wires the exchange adapter and market data stream to the
// controller, optionally starts the Postgres audit mirror and Redis cache,
// serves the dashboard API, and blocks until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contrarian-pullback-bot/config"
	"contrarian-pullback-bot/internal/api"
	"contrarian-pullback-bot/internal/audit"
	"contrarian-pullback-bot/internal/cache"
	"contrarian-pullback-bot/internal/controller"
	"contrarian-pullback-bot/internal/events"
	"contrarian-pullback-bot/internal/exchange"
	"contrarian-pullback-bot/internal/logging"
	"contrarian-pullback-bot/internal/marketdata"
	"contrarian-pullback-bot/internal/secrets"
)

const dataDir = "data"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	log.Info().Msg("starting contrarian pullback bot")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}

	apiKey, apiSecret := cfg.Exchange.APIKey, cfg.Exchange.APISecret
	if cfg.Vault.Enabled {
		provider, err := secrets.NewVaultProvider(cfg.Vault)
		if err != nil {
			log.Fatal().Err(err).Msg("vault provider init")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		apiKey, apiSecret, err = provider.APIKeys(ctx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("fetch credentials from vault")
		}
	}

	client := exchange.NewBybitClient(apiKey, apiSecret, cfg.Exchange.Testnet, log)
	stream := marketdata.New(cfg.Exchange.Testnet, log)
	bus := events.New()

	ctrl := controller.New(cfg, client, stream, log, dataDir, bus)

	if cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		mirror, err := audit.Connect(ctx, cfg.Database.DSN, log)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("audit database connect failed, continuing without it")
		} else {
			ctrl.SetAuditMirror(mirror)
			defer mirror.Close()
		}
	}

	var cacheSvc *cache.Service
	if cfg.Redis.Enabled {
		cacheSvc, err = cache.New(cfg.Redis, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis cache init failed, continuing without it")
			cacheSvc = nil
		}
	}
	if cacheSvc != nil {
		defer cacheSvc.Close()
	}

	server := api.New(cfg.Server, ctrl, bus, cacheSvc, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("controller start failed")
	}

	go func() {
		if err := server.Start(ctx, cfg.Server.Port); err != nil {
			log.Error().Err(err).Msg("dashboard api server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	cancel()
	ctrl.Stop()
	log.Info().Msg("shutdown complete")
}
