package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/config"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/queue"
	"github.com/SirClappington/authq/internal/storage"
	"github.com/SirClappington/authq/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Fatal("scheduler failed", zap.Error(err))
	}
	_ = log.Sync()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := telemetry.Init(ctx, cfg.Otel)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownOtel(context.Background()) }()
	inst, err := telemetry.NewInstruments(otel.GetMeterProvider())
	if err != nil {
		return err
	}

	rdb, err := storage.OpenRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	cb, err := breaker.New(cfg.Breaker.Options("queue"))
	if err != nil {
		return err
	}
	defer cb.Close()

	queues := cfg.SchedQueues
	if len(queues) == 0 {
		queues = []string{cfg.Queue.EmailQueue}
	}
	opts := queue.MaintainerOptions{
		Queues:           queues,
		DeadLetterQueues: map[string]string{cfg.Queue.EmailQueue: cfg.Queue.DeadLetterQueue},
		Interval:         cfg.SchedInterval,
		MaxStalledCount:  cfg.Queue.MaxStalledCount,
		Logger:           log,
		Instruments:      inst,
	}

	// Several schedulers may run; with Postgres configured only the holder
	// of the advisory lock does maintenance.
	if cfg.PostgresDSN != "" {
		pg := storage.NewPostgres(cfg.PostgresDSN)
		if err := pg.Connect(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer func() { _ = pg.Disconnect(context.Background()) }()
		opts.Leader = pg
	} else {
		log.Warn("no POSTGRES_DSN, running without leader election")
	}

	m := queue.NewMaintainer(queue.NewGuarded(queue.New(rdb, cfg.Queue.Prefix), cb), opts)
	log.Info("scheduler running", zap.Strings("queues", queues), zap.Duration("interval", cfg.SchedInterval))
	return m.Run(ctx)
}
