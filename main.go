package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"botfleet/config"
	"botfleet/internal/api"
	"botfleet/internal/database"
	"botfleet/internal/evaluator"
	"botfleet/internal/exchange"
	"botfleet/internal/gate"
	"botfleet/internal/logging"
	"botfleet/internal/marketdata"
	"botfleet/internal/safety"
	"botfleet/internal/scheduler"
	"botfleet/internal/trade"
	"botfleet/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LoggingConfig.Level, cfg.LoggingConfig.JSONFormat)
	logger.Info().Msg("botfleet starting")

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	cancelMigrate()

	repo := database.NewRepository(db)

	// Exchange client: mock mode runs against the deterministic simulator.
	var client exchange.MarketClient
	if cfg.ExchangeConfig.MockMode {
		logger.Warn().Msg("mock mode: using simulated exchange")
		client = exchange.NewMockClient()
	} else {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("vault client failed")
		}
		creds, err := vaultClient.ExchangeCredentials(context.Background(), vault.Credentials{
			APIKey:    cfg.ExchangeConfig.APIKey,
			APISecret: cfg.ExchangeConfig.APISecret,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("resolving exchange credentials")
		}
		client = exchange.NewClient(creds.APIKey, creds.APISecret, cfg.ExchangeConfig.BaseURL)
	}

	// Data plane: rate gate, cache, optional redis mirror, coordinator.
	rateGate := gate.New(cfg.RateGateConfig.RatePerMinute, cfg.RateGateConfig.Burst)
	cache := marketdata.NewCache()

	var remote *marketdata.RedisStore
	if cfg.RedisConfig.Enabled {
		remote = marketdata.NewRedisStore(
			cfg.RedisConfig.Address,
			cfg.RedisConfig.Password,
			cfg.RedisConfig.DB,
			cfg.RedisConfig.PoolSize,
			logger,
		)
	}

	ttls := marketdata.TTLConfig{
		Ticker:   time.Duration(cfg.CacheConfig.TickerTTLMs) * time.Millisecond,
		Candles:  time.Duration(cfg.CacheConfig.CandlesTTLMs) * time.Millisecond,
		Accounts: time.Duration(cfg.CacheConfig.AccountsTTLMs) * time.Millisecond,
		Balance:  time.Duration(cfg.CacheConfig.BalanceTTLMs) * time.Millisecond,
	}
	coord := marketdata.NewCoordinator(client, cache, rateGate, remote, ttls, logger)

	// Decision pipeline
	eval := evaluator.New(logger)
	safetyGate := safety.New(safety.Limits{
		MaxActivePositions:  cfg.SafetyConfig.MaxActivePositions,
		MaxDailyTrades:      cfg.SafetyConfig.MaxDailyTrades,
		MaxDailyLossUSD:     cfg.SafetyConfig.MaxDailyLossUSD,
		MinTemperature:      cfg.SafetyConfig.MinTemperature,
		MaxPositionTranches: cfg.TrancheConfig.MaxPositionTranches,
		TrancheCooldownMin:  cfg.TrancheConfig.TrancheCooldownMin,
	})
	trader := trade.NewService(repo, client, rateGate, trade.Options{
		MinTrancheUSD:     cfg.TrancheConfig.MinTrancheUSD,
		CloseOrder:        cfg.TrancheConfig.CloseOrder,
		TemperatureSizing: cfg.TrancheConfig.TemperatureSizing,
	}, logger)

	sched := scheduler.New(repo, coord, eval, safetyGate, trader, scheduler.Config{
		FastTick:          cfg.FastTick(),
		SlowTick:          cfg.SlowTick(),
		Parallelism:       cfg.SchedulerConfig.EvaluatorParallelism,
		DecisionRetention: time.Duration(cfg.SchedulerConfig.DecisionRetentionDays) * 24 * time.Hour,
	}, logger)

	// Control API and event stream
	server := api.NewServer(api.Config{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
	}, repo, coord, rateGate, trader, logger)

	hub := server.Hub()
	go hub.Run()
	sched.OnDecision(func(d *database.Decision) {
		hub.BroadcastEvent(api.EventDecision, d)
	})
	trader.OnTrade(func(t *database.Trade) {
		hub.BroadcastEvent(api.EventTrade, t)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	// Block until shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info().Msg("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("botfleet stopped")
}

func splitOrigins(origins string) []string {
	if origins == "" || origins == "*" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
