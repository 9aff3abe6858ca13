package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/config"
	"coinflow/internal/conversion"
	"coinflow/internal/domain"
	"coinflow/internal/rate"
	"coinflow/internal/risk"
	"coinflow/internal/store"
	"coinflow/internal/util"
	"coinflow/internal/venue"
)

// resumeInterval is how often pending approved conversions (for example those
// approved through the CLI) are swept back onto the execution queue.
const resumeInterval = 30 * time.Second

func main() {
	cfgPath := "config/coinflow.yaml"
	if p := os.Getenv("COINFLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	var exporter *store.AuditExporter
	if cfg.Storage.AuditDir != "" {
		exporter = store.NewAuditExporter(cfg.Storage.AuditDir)
	}

	var venues []venue.Venue
	if cfg.Venues.Alpaca.Enabled {
		venues = append(venues, venue.NewAlpacaVenue(
			cfg.Venues.Alpaca.APIKey,
			cfg.Venues.Alpaca.APISecret,
			cfg.Venues.Alpaca.BaseURL,
			cfg.Venues.Alpaca.DataURL,
			true,
		))
	}
	if cfg.Venues.Simulator.Enabled {
		simRate, err := decimal.NewFromString(cfg.Venues.Simulator.Rate)
		if err != nil {
			log.Fatalf("invalid simulator rate %q: %v", cfg.Venues.Simulator.Rate, err)
		}
		venues = append(venues, venue.NewSimVenue(simRate))
	}
	if len(venues) == 0 {
		log.Fatal("no venues enabled")
	}

	gateway := venue.NewGateway(venue.Options{
		Venues:          venues,
		Priority:        cfg.Venues.Priority,
		AutoSelect:      cfg.Venues.AutoSelect,
		RateCacheTTL:    cfg.Venues.RateCacheTTL,
		BalanceStale:    cfg.Venues.BalanceStale,
		CallTimeout:     cfg.Venues.CallTimeout,
		RateLimitPerMin: cfg.Venues.RateLimitPerMin,
		AlertThreshold:  cfg.Venues.AlertThreshold,
		Logger:          logger,
	})

	rateCfg, err := rate.FromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid pricing config: %v", err)
	}
	rates := rate.NewEngine(rateCfg)

	riskCfg, err := risk.FromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid risk config: %v", err)
	}
	risks, err := risk.NewEngine(riskCfg, rates)
	if err != nil {
		log.Fatalf("invalid risk config: %v", err)
	}

	networkFee, err := decimal.NewFromString(cfg.Conversion.NetworkFee)
	if err != nil {
		log.Fatalf("invalid network fee %q: %v", cfg.Conversion.NetworkFee, err)
	}

	orch := conversion.New(conversion.Options{
		Conversions: s,
		Orders:      s,
		Gateway:     gateway,
		Rates:       rates,
		Risks:       risks,
		Exporter:    exporter,
		Logger:      logger,
		Notifier: conversion.NotifierFunc(func(_ context.Context, ev domain.CompletedEvent) error {
			logger.Info("fulfillment",
				"conversion_id", ev.ConversionID,
				"order_ref", ev.OrderRef,
				"net", ev.NetFiat.String(),
				"currency", ev.FiatCurrency)
			return nil
		}),
		NetworkFee:       networkFee,
		RetryMaxAttempts: cfg.Conversion.RetryMaxAttempts,
		RetryDelay:       cfg.Conversion.RetryDelay,
		QueueSize:        cfg.Conversion.QueueSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch.Start(ctx)
	defer orch.Stop()

	if err := orch.Resume(ctx); err != nil {
		logger.Error("resuming pending conversions", "error", err)
	}

	logger.Info("coinflow-server started",
		"venues", gateway.Venues(),
		"sqlite", cfg.Storage.SQLitePath,
		"audit_dir", cfg.Storage.AuditDir)

	ticker := time.NewTicker(resumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-ticker.C:
			if err := orch.Resume(ctx); err != nil {
				logger.Error("resume sweep failed", "error", err)
			}
		}
	}
}
