// Package app wires the shared infrastructure of the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	amqpx "github.com/ariefcatur/go-order-settlement/internal/amqp"
	"github.com/ariefcatur/go-order-settlement/internal/config"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/logging"
	"github.com/ariefcatur/go-order-settlement/internal/memstore"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/outbox"
	"github.com/ariefcatur/go-order-settlement/internal/postgres"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/ariefcatur/go-order-settlement/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"time"
)

// Store is everything a process may need from the backing store.
type Store interface {
	orders.Store
	outbox.Source
	outbox.Maintainer
	UpsertProduct(ctx context.Context, p orders.Product, available int) error
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Infra owns the process-wide resources and closes them in reverse order.
type Infra struct {
	Cfg      config.Config
	Log      zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	closers []closer
}

// New loads config and sets up logging, tracing and metrics. suffix is
// appended to SERVICE_NAME, e.g. "-publisher".
func New(ctx context.Context, suffix string) (*Infra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.ServiceName += suffix

	in := &Infra{
		Cfg:      cfg,
		Log:      logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat),
		Registry: prometheus.NewRegistry(),
	}
	in.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	in.Metrics = metrics.New(in.Registry, "orders")

	shutdown, err := tracing.Setup(ctx, cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		// spans are dropped, the process still runs
		in.Log.Error().Err(err).Msg("tracing disabled")
	} else {
		in.OnShutdown("tracing", shutdown)
	}
	return in, nil
}

func (in *Infra) OnShutdown(name string, fn func(context.Context) error) {
	in.closers = append(in.closers, closer{name: name, fn: fn})
}

func (in *Infra) Shutdown(ctx context.Context) {
	for i := len(in.closers) - 1; i >= 0; i-- {
		c := in.closers[i]
		if err := c.fn(ctx); err != nil {
			in.Log.Error().Err(err).Str("resource", c.name).Msg("shutdown")
		}
	}
	in.closers = nil
}

// OpenStore returns the store selected by STORE_DRIVER. The postgres schema
// is migrated on open.
func (in *Infra) OpenStore(ctx context.Context) (Store, error) {
	if in.Cfg.StoreDriver == "memory" {
		in.Log.Warn().Msg("using in-memory store, state is lost on exit")
		return memstore.New(), nil
	}
	pool, err := postgres.Connect(ctx, in.Cfg.PostgresDSN, postgres.PoolOptions{})
	if err != nil {
		return nil, err
	}
	in.OnShutdown("postgres", func(context.Context) error { pool.Close(); return nil })
	if err := postgres.Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return postgres.NewStore(pool,
		postgres.WithTxTimeout(in.Cfg.TxTimeout),
		postgres.WithLockTimeout(in.Cfg.LockTimeout),
	), nil
}

// SeedCatalog upserts the configured products and their stock.
func (in *Infra) SeedCatalog(ctx context.Context, st Store) error {
	for _, p := range in.Cfg.Catalog {
		err := st.UpsertProduct(ctx, orders.Product{
			ID:         p.ID,
			SKU:        p.SKU,
			Title:      p.Title,
			PriceCents: p.PriceCents,
			Currency:   p.Currency,
			Active:     !p.Inactive,
		}, p.Available)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.SKU, err)
		}
	}
	if n := len(in.Cfg.Catalog); n > 0 {
		in.Log.Info().Int("products", n).Msg("catalog seeded")
	}
	return nil
}

// Redis returns a client, or nil when REDIS_ADDR is empty. An unreachable
// server is only logged: every Redis use degrades to a miss.
func (in *Infra) Redis(ctx context.Context) *redis.Client {
	if in.Cfg.RedisAddr == "" {
		return nil
	}
	rdb := redisx.New(in.Cfg.RedisAddr)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		in.Log.Warn().Err(err).Str("addr", in.Cfg.RedisAddr).Msg("redis unreachable, continuing without fast path")
	}
	in.OnShutdown("redis", func(context.Context) error { return rdb.Close() })
	return rdb
}

// MustRedis is Redis for components that cannot run without it.
func (in *Infra) MustRedis(ctx context.Context) (*redis.Client, error) {
	rdb, err := redisx.Connect(ctx, in.Cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	in.OnShutdown("redis", func(context.Context) error { return rdb.Close() })
	return rdb, nil
}

// Sink builds the outbox channel selected by OUTBOX_SINK.
func (in *Infra) Sink() outbox.Sink {
	switch in.Cfg.OutboxSink {
	case "amqp":
		s := amqpx.NewSink(amqpx.Config{URL: in.Cfg.AMQPURL, Exchange: in.Cfg.AMQPExchange}, in.Log)
		in.OnShutdown("amqp", func(context.Context) error { return s.Close() })
		return s
	case "log":
		return outbox.LogSink{Log: in.Log}
	default:
		s := kafkax.NewSink(in.Cfg.KafkaBrokers, 10*time.Second)
		in.OnShutdown("kafka", func(context.Context) error { return s.Close() })
		return s
	}
}

func (in *Infra) Publisher(src outbox.Source) *outbox.Publisher {
	return outbox.NewPublisher(src, in.Sink(), outbox.Config{
		BatchSize:    in.Cfg.OutboxBatchSize,
		PollInterval: in.Cfg.OutboxPollInterval,
		MaxAttempts:  in.Cfg.OutboxMaxAttempts,
		Lease:        in.Cfg.OutboxLease,
		QuickRetries: 2,
	}, outbox.WithLogger(in.Log), outbox.WithMetrics(in.Metrics))
}

func (in *Infra) Compactor(st outbox.Maintainer) outbox.Compactor {
	return outbox.Compactor{Store: st, Retention: in.Cfg.OutboxRetention, Interval: time.Hour}
}
