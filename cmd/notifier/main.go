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

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment/internal/notifier"
	"github.com/ariefcatur/go-order-fulfillment/internal/rabbitmq"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-notifier"
	log := telemetry.NewLogger(os.Stdout, service, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, service, log); err != nil {
		log.Error("notifier exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, service string, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("notifier", nil)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		return err
	}

	svc := &notifier.Service{
		Dedup:   redisx.NewDedup(rdb, "notifier", redisx.TTLDedup),
		Metrics: m,
		Log:     log,
	}

	g, gctx := errgroup.WithContext(ctx)
	switch cfg.EventBus {
	case "kafka":
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, notifier.Topics, cfg.NotifierWorkers, log)
		g.Go(func() error {
			log.Info("notifier consumer started", "group", cfg.NotifierGroup, "topics", notifier.Topics, "workers", cfg.NotifierWorkers)
			return cons.Start(gctx, svc.HandleEvent)
		})
	case "rabbitmq":
		conn, ch, err := rabbitmq.Dial(ctx, cfg.RabbitMQURL, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		sub := rabbitmq.NewSubscriber(ch, log)
		g.Go(func() error {
			log.Info("notifier subscriber started", "queue", cfg.NotifierGroup, "routing_keys", notifier.Topics)
			return sub.Consume(gctx, cfg.NotifierGroup, notifier.Topics, svc.HandleEvent)
		})
	default:
		return errors.New("notifier needs EVENT_BUS=kafka or EVENT_BUS=rabbitmq, got " + cfg.EventBus)
	}

	// health + metrics only
	srv := &http.Server{
		Addr: cfg.NotifierAddr,
		Handler: httpx.NewRouter(log, m, map[string]httpx.Pinger{
			"redis": func(ctx context.Context) error { return redisx.Ping(ctx, rdb) },
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down consumer...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
