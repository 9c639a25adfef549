package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-fulfillment/internal/archive"
	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/orchestrator"
	"github.com/ariefcatur/go-order-fulfillment/internal/orchestrator/sqlite"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/rabbitmq"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/telemetry"
	"github.com/ariefcatur/go-order-fulfillment/internal/workflow"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("order api exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	m := metrics.New("api", nil)

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Warn("redis unreachable, cache and idempotency degrade to pass-through", "addr", cfg.RedisAddr, "err", err)
	}
	cache := redisx.NewCache(rdb, log, m)

	// Event bus
	pub, closeBus, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()
	sink := notify.NewSink(pub, log, m, cfg.NotifyBuffer)

	var arch workflow.Archiver = archive.Nop{}
	if cfg.ArchiveBucket != "" {
		s3, err := archive.NewS3(ctx, cfg.AWSRegion, cfg.S3Endpoint, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			return err
		}
		arch = s3
	}

	// Orchestrator
	store, err := sqlite.Open(cfg.ExecutionDBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	orch := orchestrator.New(store, log.With("component", "orchestrator"), orchestrator.Options{
		Workers:          cfg.WorkflowWorkers,
		QueueSize:        cfg.WorkflowQueue,
		ExecutionTimeout: cfg.ExecutionTimeout,
		OnFinish: func(wf string, st orchestrator.Status, elapsed time.Duration) {
			m.ExecutionFinished(wf, string(st), elapsed)
		},
	})

	repo := &orders.Repo{DB: db, Log: log}
	eng := &workflow.Engine{
		Orders:            repo,
		Inventory:         &orders.Ledger{DB: db, LowStockThreshold: cfg.LowStockThreshold},
		Payments:          payment.NewSimulator(cfg.PaymentSuccessRate, cfg.PaymentLatency),
		Executions:        &orders.ExecutionIndex{DB: db},
		Orchestrator:      orch,
		Archive:           arch,
		Events:            sink,
		Cache:             cache,
		Metrics:           m,
		Log:               log.With("component", "workflow"),
		Producer:          cfg.ServiceName,
		StartTimeout:      cfg.WorkflowStartTimeout,
		LowStockThreshold: cfg.LowStockThreshold,
	}
	orch.Register(workflow.Name, eng.WorkflowFunc())

	// HTTP
	router := httpx.NewRouter(log, m, map[string]httpx.Pinger{
		"postgres": db.Ping,
		"redis":    func(ctx context.Context) error { return redisx.Ping(ctx, rdb) },
	})
	oh := &httpx.OrdersHandler{
		Catalog:     &orders.Catalog{DB: db},
		Orders:      repo,
		Fulfillment: eng,
		Idempotency: redisx.NewIdempotency(rdb, redisx.TTLIdempotency),
		Cache:       cache,
		Log:         log,
		Timeout:     cfg.DBTimeout,
	}
	oh.Register(router)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error {
		orch.Janitor(gctx, time.Hour, cfg.ExecutionRetention)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP listening", "addr", cfg.HTTPAddr, "event_bus", cfg.EventBus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// openBus picks the notification transport named by EVENT_BUS.
func openBus(ctx context.Context, cfg config.Config, log *slog.Logger) (notify.Publisher, func(), error) {
	switch cfg.EventBus {
	case "kafka":
		p := kafkax.NewProducer(cfg.KafkaBrokers)
		return p, func() { _ = p.Close() }, nil
	case "rabbitmq":
		conn, ch, err := rabbitmq.Dial(ctx, cfg.RabbitMQURL, log)
		if err != nil {
			return nil, nil, err
		}
		return rabbitmq.NewPublisher(ch), func() {
			_ = ch.Close()
			_ = conn.Close()
		}, nil
	default:
		log.Warn("event bus disabled, events are discarded", "event_bus", cfg.EventBus)
		return notify.Discard{}, func() {}, nil
	}
}
