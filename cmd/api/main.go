package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-order-settlement/internal/app"
	"github.com/ariefcatur/go-order-settlement/internal/httpx"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/ariefcatur/go-order-settlement/internal/webhook"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()
	if err := run(); err != nil {
		zlog.Error().Err(err).Msg("api exited")
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.New(ctx, "")
	if err != nil {
		return err
	}
	log := infra.Log
	defer infra.Shutdown(context.Background())

	st, err := infra.OpenStore(ctx)
	if err != nil {
		return err
	}
	if err := infra.SeedCatalog(ctx, st); err != nil {
		return err
	}

	opts := orders.Options{
		Producer:    infra.Cfg.ServiceName,
		InFlightTTL: infra.Cfg.InFlightTTL,
		Logger:      log,
		Metrics:     infra.Metrics,
	}
	if rdb := infra.Redis(ctx); rdb != nil {
		cache := redisx.NewCache(rdb, log)
		opts.Responses, opts.Orders = cache, cache
	}
	svc := orders.NewService(st, opts)
	intake := webhook.NewIntake(svc, nil, log, infra.Metrics)

	router := httpx.NewRouter(log, infra.Registry)
	(&httpx.OrdersHandler{Service: svc}).Register(router)
	(&httpx.WebhookHandler{Intake: intake, Secrets: infra.Cfg.WebhookSecrets}).Register(router)

	srv := &http.Server{Addr: infra.Cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", infra.Cfg.HTTPAddr).Str("store", infra.Cfg.StoreDriver).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	// the in-memory store is private to this process, so it drains its own outbox
	if infra.Cfg.StoreDriver == "memory" {
		pub := infra.Publisher(st)
		g.Go(func() error { return pub.Run(gctx) })
	}

	return g.Wait()
}
