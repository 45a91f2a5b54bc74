package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arjunvm/nifty_iceberg/internal/broker"
	"github.com/arjunvm/nifty_iceberg/internal/config"
	"github.com/arjunvm/nifty_iceberg/internal/dedup"
	"github.com/arjunvm/nifty_iceberg/internal/executor"
	"github.com/arjunvm/nifty_iceberg/internal/iceberg"
	"github.com/arjunvm/nifty_iceberg/internal/killswitch"
	"github.com/arjunvm/nifty_iceberg/internal/limits"
	"github.com/arjunvm/nifty_iceberg/internal/retry"
	"github.com/arjunvm/nifty_iceberg/internal/storage"
	"github.com/arjunvm/nifty_iceberg/internal/webhook"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting NIFTY iceberg bot in %s mode (broker: %s)",
		cfg.Environment.Mode, cfg.Broker.Provider)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - Real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	store, err := storage.NewJSONStore(cfg.Storage.StatePath, cfg.Storage.KillSwitchPath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	brokerClient, err := buildBroker(cfg)
	if err != nil {
		return err
	}
	protected := broker.NewCircuitBreakerBroker(brokerClient)
	retryClient := retry.NewClient(protected, logger)

	ice := iceberg.NewService(protected, logger, iceberg.Config{
		MaxLotsPerOrder: cfg.Limits.MaxLotsPerOrder(),
		LotSize:         cfg.Limits.LotSize,
		LegDelay:        time.Duration(cfg.Iceberg.LegDelayMs) * time.Millisecond,
		ChunkDelay:      time.Duration(cfg.Iceberg.ChunkDelayMs) * time.Millisecond,
		Exchange:        broker.ExchangeNFO,
		Product:         broker.ProductNRML,
	}).WithExitPlacer(retryClient)

	dedupSvc := dedup.NewService(
		time.Duration(cfg.Webhook.DedupWindowSec)*time.Second,
		cfg.Webhook.DedupCacheSize,
		logger,
	)
	killSvc := killswitch.NewService(store, logger)
	limitsSvc := limits.NewService(cfg.Limits, store, logger)

	exec := executor.New(protected, ice, limitsSvc, cfg.Hedge, cfg.Limits.LotSize, logger)
	killSvc.SetAutoTradingToggler(exec)
	if killSvc.Active() {
		logger.Println("Kill switch is active from a previous session, trading remains blocked")
		exec.SetAutoTradingEnabled(false)
	}

	httpLogger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		httpLogger.SetLevel(lvl)
	}
	server := webhook.NewServer(webhook.Config{
		Addr:   cfg.Webhook.ListenAddr,
		Secret: cfg.Webhook.Secret,
	}, exec, dedupSvc, killSvc, httpLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Println("Shutdown signal received, stopping bot...")
		return nil
	})
	return g.Wait()
}

func buildBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Provider {
	case "kite":
		return broker.NewKiteClient(cfg.Broker.APIKey, cfg.Broker.AccessToken, cfg.Broker.BaseURL), nil
	case "breeze":
		return broker.NewBreezeClient(cfg.Broker.APIKey, cfg.Broker.APISecret,
			cfg.Broker.SessionToken, cfg.Broker.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown broker provider %q (expected kite or breeze)", cfg.Broker.Provider)
	}
}
