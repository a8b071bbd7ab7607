package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"empire/internal/bus"
	"empire/internal/config"
	"empire/internal/db"
	"empire/internal/kv"
	"empire/internal/ledger"
	"empire/internal/settlement"
	"empire/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	data, err := config.LoadGameData(cfg.GameDataPath)
	if err != nil {
		logger.Error("load game data failed", "err", err)
		os.Exit(1)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if cfg.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}

	coord, err := kv.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	defer coord.Close()

	var publisher bus.Publisher = bus.NewLog(logger)
	if len(cfg.KafkaBrokers) > 0 {
		k := bus.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer k.Close()
		publisher = k
	}

	st := postgres.New(pool)
	pipeline := settlement.NewPipeline(st, ledger.New(st, logger), coord, cfg.Economy, data, settlement.Options{
		Publisher: publisher,
		Logger:    logger,
	})
	batch := settlement.NewBatch(pipeline, st, cfg.Economy.SettlementConcurrency)

	if cfg.RunOnce {
		if _, err := batch.RunCycle(ctx); err != nil {
			logger.Error("settlement failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	logger.Info("worker started",
		"settlement_hour", cfg.Economy.SettlementHour,
		"settlement_minute", cfg.Economy.SettlementMinute,
		"concurrency", cfg.Economy.SettlementConcurrency,
	)
	for {
		next := nextRun(time.Now().UTC(), cfg.Economy.SettlementHour, cfg.Economy.SettlementMinute)
		logger.Info("next settlement scheduled", "at", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("worker shutdown")
			return
		case <-timer.C:
			if _, err := batch.RunCycle(ctx); err != nil {
				logger.Error("settlement failed", "err", err)
				continue
			}
		}
	}
}

// nextRun returns the first hour:minute UTC strictly after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
