package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/cache"
	"github.com/SirClappington/authq/internal/config"
	"github.com/SirClappington/authq/internal/dispatch"
	"github.com/SirClappington/authq/internal/httpapi"
	"github.com/SirClappington/authq/internal/jobs"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/queue"
	"github.com/SirClappington/authq/internal/storage"
	"github.com/SirClappington/authq/internal/telemetry"
	"github.com/SirClappington/authq/internal/worker"
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
		log.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	shutdownOtel, err := telemetry.Init(ctx, cfg.Otel)
	if err != nil {
		return err
	}
	inst, err := telemetry.NewInstruments(otel.GetMeterProvider())
	if err != nil {
		return err
	}

	rdb, err := storage.OpenRedis(ctx, cfg)
	if err != nil {
		return err
	}
	queueCB, err := breaker.New(cfg.Breaker.Options("queue"))
	if err != nil {
		return err
	}
	cacheCB, err := breaker.New(cfg.Breaker.Options("cache"))
	if err != nil {
		return err
	}
	store := queue.NewGuarded(queue.New(rdb, cfg.Queue.Prefix), queueCB)
	kv := cache.New(rdb, cacheCB, cache.Options{Logger: log})
	limiter := cache.NewRateLimiter(kv, "email:rl", cfg.Mail.RateLimit, cfg.Mail.RateWindow)

	providers, closeProviders, err := dispatch.NewProviders(cfg.Mail)
	if err != nil {
		return err
	}
	chain, err := dispatch.NewChain(providers, dispatch.WithLogger(log), dispatch.WithInstruments(inst))
	if err != nil {
		return err
	}
	sendEmail, err := jobs.NewSendEmail(chain, kv, limiter, jobs.EmailOptions{From: cfg.Mail.From, Logger: log})
	if err != nil {
		return err
	}

	q := cfg.Queue
	proc, err := worker.NewProcessor(store, worker.ProcessorOptions{
		Queue:               q.EmailQueue,
		DeadLetterQueue:     q.DeadLetterQueue,
		Concurrency:         q.Concurrency,
		LockDuration:        q.LockDuration,
		PollInterval:        q.PollInterval,
		StalledInterval:     q.StalledInterval,
		DisableStalledCheck: q.DisableStalledCheck,
		MaxStalledCount:     q.MaxStalledCount,
		KeepCompleted:       q.KeepCompleted,
		KeepFailed:          q.KeepFailed,
		Logger:              log,
		Instruments:         inst,
	})
	if err != nil {
		return err
	}
	proc.Handle(jobs.TypeSendEmail, sendEmail.Handle)

	ds, err := storage.NewDataStore(cfg)
	if err != nil {
		return err
	}

	var srv *http.Server
	orch := worker.NewOrchestrator(worker.Options{
		Logger:      log,
		Instruments: inst,
		DataStore:   ds,
		Queue:       store,
		Exit: func(code int) {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if srv != nil {
				_ = srv.Shutdown(cctx)
			}
			if err := closeProviders(); err != nil {
				log.Warn("closing providers", zap.Error(err))
			}
			queueCB.Close()
			cacheCB.Close()
			_ = kv.Close()
			_ = shutdownOtel(cctx)
			_ = log.Sync()
			os.Exit(code)
		},
	})
	orch.Register(proc)
	orch.AddInitializer("cache", kv.Ping)
	orch.WatchBreakers(queueCB, cacheCB)

	if err := orch.Start(ctx); err != nil {
		return err
	}

	srv = &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           httpapi.NewHealth(orch, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server", zap.Error(err))
		}
	}()
	log.Info("worker running",
		zap.String("queue", q.EmailQueue),
		zap.Strings("providers", chain.Providers()),
		zap.String("health_addr", cfg.HealthAddr),
	)

	orch.HandleSignals(ctx, cfg.ShutdownTimeout)
	return nil
}
