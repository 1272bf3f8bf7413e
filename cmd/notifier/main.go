package main

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/app"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/notify"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	_ = godotenv.Load()
	if err := run(); err != nil {
		zlog.Error().Err(err).Msg("notifier exited")
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.New(ctx, "-notifier")
	if err != nil {
		return err
	}
	log := infra.Log
	defer infra.Shutdown(context.Background())

	rdb, err := infra.MustRedis(ctx)
	if err != nil {
		return err
	}
	cfg := infra.Cfg
	h := notify.NewHandler(redisx.NewDedup(rdb, cfg.NotifierGroup), notify.LogSender{Log: log}, log, infra.Metrics)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, orders.Topics, cfg.NotifierWorkers, log)

	log.Info().
		Str("group", cfg.NotifierGroup).
		Strs("topics", orders.Topics).
		Int("workers", cfg.NotifierWorkers).
		Msg("notifier consumer started")
	return cons.Start(ctx, h.Handle)
}
