package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/kgear-orders/internal/config"
	kafkax "github.com/ariefcatur/kgear-orders/internal/kafka"
	"github.com/ariefcatur/kgear-orders/internal/orders"
	"github.com/ariefcatur/kgear-orders/internal/projector"
	"github.com/ariefcatur/kgear-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	name := cfg.ServiceName + "-projector"
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})).
		With("service", name)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis ping", "error", err)
		os.Exit(1)
	}

	svc := &projector.Service{
		Dedup: &redisx.Deduper{RDB: rdb, Service: name},
		Cache: &redisx.StatusCache{RDB: rdb, TTL: redisx.TTLStatusCache},
		Log:   log,
	}

	topics := []string{orders.TopicOrderPlaced, orders.TopicOrderStatusChanged}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, topics, cfg.ProjectorWorkers, log)

	log.Info("projector started", "group", cfg.ProjectorGroup, "topics", topics, "workers", cfg.ProjectorWorkers)
	if err := cons.Start(ctx, svc.Handle); err != nil {
		log.Error("consumer exit", "error", err)
		os.Exit(1)
	}
	log.Info("projector stopped")
}
