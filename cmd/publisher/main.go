package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/ariefcatur/go-order-settlement/internal/app"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	requeue := flag.String("requeue", "", "event id of a dead outbox event to schedule again, then exit")
	metricsAddr := flag.String("metrics-addr", ":9101", "listen address for /metrics, empty to disable")
	flag.Parse()

	if err := run(*requeue, *metricsAddr); err != nil {
		zlog.Error().Err(err).Msg("publisher exited")
		os.Exit(1)
	}
}

func run(requeue, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.New(ctx, "-publisher")
	if err != nil {
		return err
	}
	log := infra.Log
	defer infra.Shutdown(context.Background())

	if infra.Cfg.StoreDriver == "memory" {
		return fmt.Errorf("the publisher needs a shared store; with STORE_DRIVER=memory the api drains its own outbox")
	}
	st, err := infra.OpenStore(ctx)
	if err != nil {
		return err
	}

	if requeue != "" {
		ok, err := st.Requeue(ctx, requeue, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("event %s not found or already published", requeue)
		}
		log.Info().Str("event_id", requeue).Msg("event requeued")
		return nil
	}

	pub := infra.Publisher(st)
	compactor := infra.Compactor(st)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pub.Run(gctx) })
	g.Go(func() error {
		return compactor.Run(gctx, func(n int64, err error) {
			if err != nil {
				log.Error().Err(err).Msg("outbox compaction failed")
				return
			}
			log.Info().Int64("deleted", n).Msg("outbox compacted")
		})
	})
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(infra.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}
