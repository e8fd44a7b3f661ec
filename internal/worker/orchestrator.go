package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/domain"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/telemetry"
)

const (
	DefaultStopTimeout = 30 * time.Second
	drainPollInterval  = 500 * time.Millisecond
)

// Worker is what the orchestrator manages; *Processor implements it.
type Worker interface {
	Name() string
	Initialize(ctx context.Context) error
	Pause()
	Resume()
	Close() error
	Health() Health
	Active() int64
}

// DataStore is an optional database connection owned by the orchestrator.
type DataStore interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// QueuePinger reports queue store reachability for health checks.
type QueuePinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

type Options struct {
	Logger      *zap.Logger
	Instruments *telemetry.Instruments
	DataStore   DataStore
	Queue       QueuePinger
	// PollInterval is how often Stop checks for active jobs.
	PollInterval time.Duration
	// Exit ends the process after HandleSignals; os.Exit when nil.
	Exit func(code int)
}

type initializer struct {
	name string
	fn   func(context.Context) error
}

type Orchestrator struct {
	log   *zap.Logger
	inst  *telemetry.Instruments
	db    DataStore
	queue QueuePinger
	poll  time.Duration
	exit  func(int)

	mu       sync.Mutex
	workers  []Worker
	inits    []initializer
	breakers []*breaker.Breaker
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = drainPollInterval
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Orchestrator{
		log:   logging.OrNop(opts.Logger).Named("orchestrator"),
		inst:  telemetry.OrNoop(opts.Instruments),
		db:    opts.DataStore,
		queue: opts.Queue,
		poll:  opts.PollInterval,
		exit:  opts.Exit,
	}
}

func (o *Orchestrator) Register(ws ...Worker) {
	o.mu.Lock()
	o.workers = append(o.workers, ws...)
	o.mu.Unlock()
}

// AddInitializer registers fn to run during Start, after the data store
// connects and before any worker initializes.
func (o *Orchestrator) AddInitializer(name string, fn func(context.Context) error) {
	o.mu.Lock()
	o.inits = append(o.inits, initializer{name: name, fn: fn})
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot() ([]Worker, []initializer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Worker(nil), o.workers...), append([]initializer(nil), o.inits...)
}

// Start connects the data store, runs initializers in order and then
// initializes every worker. The first failure aborts startup.
func (o *Orchestrator) Start(ctx context.Context) error {
	workers, inits := o.snapshot()

	if o.db != nil {
		if err := o.db.Connect(ctx); err != nil {
			return fmt.Errorf("connect data store: %w", err)
		}
		o.log.Info("data store connected")
	}
	for _, in := range inits {
		if err := in.fn(ctx); err != nil {
			return fmt.Errorf("initializer %s: %w", in.name, err)
		}
		o.log.Debug("initializer done", zap.String("name", in.name))
	}
	for _, w := range workers {
		if err := w.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize worker %s: %w", w.Name(), err)
		}
	}
	o.log.Info("orchestrator started", zap.Int("workers", len(workers)))
	return nil
}

func (o *Orchestrator) activeJobs(workers []Worker) int64 {
	var n int64
	for _, w := range workers {
		n += w.Active()
	}
	return n
}

// Stop drains every worker, waits up to timeout for active jobs, then
// closes all workers and disconnects the data store. Running out of time
// is logged, not returned; close errors are combined.
func (o *Orchestrator) Stop(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	workers, _ := o.snapshot()
	o.log.Info("stopping", zap.Duration("timeout", timeout))
	o.Drain()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.poll)
	defer tick.Stop()

wait:
	for o.activeJobs(workers) > 0 {
		select {
		case <-deadline.C:
			o.log.Warn("abandoning active jobs",
				zap.Error(domain.ErrShutdownTimeout),
				zap.Int64("active", o.activeJobs(workers)),
			)
			break wait
		case <-ctx.Done():
			o.log.Warn("stop cancelled, abandoning active jobs", zap.Error(ctx.Err()))
			break wait
		case <-tick.C:
		}
	}

	var errs error
	for _, w := range workers {
		if err := w.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close worker %s: %w", w.Name(), err))
		}
	}
	if o.db != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.db.Disconnect(dctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("disconnect data store: %w", err))
		}
	}
	if errs != nil {
		o.log.Error("stopped with errors", zap.Error(errs))
		return errs
	}
	o.log.Info("stopped")
	return nil
}

// Drain pauses every worker; queued jobs wait until Undrain.
func (o *Orchestrator) Drain() {
	workers, _ := o.snapshot()
	for _, w := range workers {
		w.Pause()
	}
}

func (o *Orchestrator) Undrain() {
	workers, _ := o.snapshot()
	for _, w := range workers {
		w.Resume()
	}
}

// HandleSignals blocks until SIGINT, SIGTERM or ctx cancellation, then
// stops and exits with 0 on a clean stop and 1 otherwise.
func (o *Orchestrator) HandleSignals(ctx context.Context, timeout time.Duration) {
	sctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sctx.Done()
	o.log.Info("shutdown requested")

	if err := o.Stop(context.Background(), timeout); err != nil {
		o.exit(1)
		return
	}
	o.exit(0)
}

// WatchBreakers logs and counts every event of bs and reports their stats
// in Health.
func (o *Orchestrator) WatchBreakers(bs ...*breaker.Breaker) {
	o.mu.Lock()
	o.breakers = append(o.breakers, bs...)
	o.mu.Unlock()
	for _, b := range bs {
		b.Subscribe(o.onBreakerEvent)
	}
}

func (o *Orchestrator) onBreakerEvent(e breaker.Event) {
	o.inst.BreakerEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", e.Breaker),
		attribute.String("event", string(e.Type)),
	))
	fields := []zap.Field{zap.String("breaker", e.Breaker), zap.String("event", string(e.Type))}
	switch e.Type {
	case breaker.EventOpen:
		o.log.Warn("circuit opened", fields...)
	case breaker.EventHalfOpen, breaker.EventClose:
		o.log.Info("circuit state changed", fields...)
	case breaker.EventTimeout, breaker.EventFailure:
		o.log.Debug("circuit call failed", append(fields, zap.Error(e.Err))...)
	}
}

type ComponentHealth struct {
	Configured bool    `json:"configured"`
	Healthy    bool    `json:"healthy"`
	LatencyMs  float64 `json:"latencyMs,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type OrchestratorHealth struct {
	Healthy    bool            `json:"healthy"`
	Database   ComponentHealth `json:"database"`
	Queue      ComponentHealth `json:"queue"`
	Processors []Health        `json:"processors"`
	// Breakers is informational and does not affect Healthy.
	Breakers []breaker.Stats `json:"breakers,omitempty"`
}

// Health pings the data store and queue concurrently and collects every
// worker's health. Healthy is the AND of all configured parts.
func (o *Orchestrator) Health(ctx context.Context) OrchestratorHealth {
	workers, _ := o.snapshot()
	var h OrchestratorHealth

	g, gctx := errgroup.WithContext(ctx)
	if o.db != nil {
		g.Go(func() error {
			h.Database = probe(func() (time.Duration, error) {
				start := time.Now()
				err := o.db.Ping(gctx)
				return time.Since(start), err
			})
			return nil
		})
	}
	if o.queue != nil {
		g.Go(func() error {
			h.Queue = probe(func() (time.Duration, error) { return o.queue.Ping(gctx) })
			return nil
		})
	}
	_ = g.Wait()

	h.Healthy = (o.db == nil || h.Database.Healthy) && (o.queue == nil || h.Queue.Healthy)
	h.Processors = make([]Health, 0, len(workers))
	for _, w := range workers {
		wh := w.Health()
		h.Processors = append(h.Processors, wh)
		h.Healthy = h.Healthy && wh.Healthy
	}

	o.mu.Lock()
	for _, b := range o.breakers {
		h.Breakers = append(h.Breakers, b.Stats())
	}
	o.mu.Unlock()
	return h
}

func probe(ping func() (time.Duration, error)) ComponentHealth {
	d, err := ping()
	c := ComponentHealth{Configured: true, Healthy: err == nil, LatencyMs: float64(d) / float64(time.Millisecond)}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}

type OrchestratorMetrics struct {
	Processors []Metrics `json:"processors"`
	Totals     Metrics   `json:"totals"`
}

// Metrics aggregates worker metrics. The total average processing time is
// weighted by each worker's attempts.
func (o *Orchestrator) Metrics() OrchestratorMetrics {
	workers, _ := o.snapshot()
	out := OrchestratorMetrics{Processors: make([]Metrics, 0, len(workers))}
	t := &out.Totals
	t.Queue = "*"
	var weighted float64
	for _, w := range workers {
		m := w.Health().Metrics
		out.Processors = append(out.Processors, m)
		t.Processed += m.Processed
		t.Completed += m.Completed
		t.Failed += m.Failed
		t.Retried += m.Retried
		t.DeadLettered += m.DeadLettered
		t.Stalled += m.Stalled
		t.Active += m.Active
		weighted += m.AverageProcessingTime * float64(m.Processed+m.Retried)
	}
	if n := t.Processed + t.Retried; n > 0 {
		t.AverageProcessingTime = weighted / float64(n)
	}
	if t.Processed > 0 {
		t.SuccessRate = float64(t.Completed) / float64(t.Processed)
		t.FailureRate = float64(t.Failed) / float64(t.Processed)
	}
	return out
}
