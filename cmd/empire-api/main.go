package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"empire/internal/api"
	"empire/internal/bus"
	"empire/internal/captable"
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

	cfg, err := config.LoadAPIFromEnv()
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
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("migrate failed", "err", err)
		os.Exit(1)
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
	l := ledger.New(st, logger)
	engine := captable.New(st, l, cfg.Economy, data, captable.Options{
		Locks:     coord,
		Publisher: publisher,
		Logger:    logger,
	})
	pipeline := settlement.NewPipeline(st, l, coord, cfg.Economy, data, settlement.Options{
		Publisher: publisher,
		Logger:    logger,
	})

	server := api.New(cfg, logger, api.Deps{
		Store:    st,
		Ledger:   l,
		CapTable: engine,
		Batch:    settlement.NewBatch(pipeline, st, cfg.Economy.SettlementConcurrency),
		KV:       coord,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("empire api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
