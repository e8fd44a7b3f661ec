package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/config"
	"github.com/SirClappington/authq/internal/httpapi"
	"github.com/SirClappington/authq/internal/jobs"
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
		log.Fatal("api failed", zap.Error(err))
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
	cb.Subscribe(func(e breaker.Event) {
		if e.Type == breaker.EventOpen || e.Type == breaker.EventClose {
			log.Warn("queue circuit changed", zap.String("event", string(e.Type)))
		}
	})

	producer, err := queue.NewProducer(queue.NewGuarded(queue.New(rdb, cfg.Queue.Prefix), cb), queue.ProducerOptions{
		Queue:           cfg.Queue.EmailQueue,
		DeadLetterQueue: cfg.Queue.DeadLetterQueue,
		Attempts:        cfg.Queue.MaxAttempts,
		Backoff:         cfg.Queue.Backoff(),
		Logger:          log,
		Instruments:     inst,
	})
	if err != nil {
		return err
	}
	producer.RegisterSchema(jobs.TypeSendEmail, jobs.EmailSchema())

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           httpapi.NewAPI(log, producer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("queue", producer.Queue()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
