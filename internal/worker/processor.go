package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/authq/internal/domain"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/queue"
	"github.com/SirClappington/authq/internal/telemetry"
)

// Handler executes one job. A returned error (or panic) fails the attempt.
type Handler func(ctx context.Context, job *domain.Job) error

type ProcessorOptions struct {
	Queue               string
	DeadLetterQueue     string
	Concurrency         int
	LockDuration        time.Duration
	PollInterval        time.Duration
	StalledInterval     time.Duration
	DisableStalledCheck bool
	MaxStalledCount     int
	KeepCompleted       int
	KeepFailed          int
	Logger              *zap.Logger
	Instruments         *telemetry.Instruments
}

func (o *ProcessorOptions) setDefaults() {
	if o.DeadLetterQueue == "" {
		o.DeadLetterQueue = o.Queue
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.KeepCompleted == 0 {
		o.KeepCompleted = queue.DefaultKeepCompleted
	}
	if o.KeepFailed == 0 {
		o.KeepFailed = queue.DefaultKeepFailed
	}
}

type Metrics struct {
	Queue        string `json:"queue"`
	Processed    int64  `json:"processed"`
	Completed    int64  `json:"completed"`
	Failed       int64  `json:"failed"`
	Retried      int64  `json:"retried"`
	DeadLettered int64  `json:"deadLettered"`
	Stalled      int64  `json:"stalled"`
	Active       int64  `json:"active"`
	// AverageProcessingTime is the mean handler wall-clock time in ms over
	// every attempt, successful or not.
	AverageProcessingTime float64 `json:"averageProcessingTimeMs"`
	SuccessRate           float64 `json:"successRate"`
	FailureRate           float64 `json:"failureRate"`
}

type Health struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	IsRunning bool    `json:"isRunning"`
	IsPaused  bool    `json:"isPaused"`
	Metrics   Metrics `json:"metrics"`
}

// Processor consumes one queue with a fixed number of slots.
type Processor struct {
	store    queue.Store
	opts     ProcessorOptions
	log      *zap.Logger
	inst     *telemetry.Instruments
	tracer   trace.Tracer
	attrs    metric.MeasurementOption
	handlers map[string]Handler

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	pauseCh chan struct{}

	active       atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	stalled      atomic.Int64
	attempts     atomic.Int64
	busyNanos    atomic.Int64
}

func NewProcessor(store queue.Store, opts ProcessorOptions) (*Processor, error) {
	if store == nil {
		return nil, domain.NewConfigurationError("processor", "queue store is required")
	}
	if opts.Queue == "" {
		return nil, domain.NewConfigurationError("processor", "queue name is required")
	}
	opts.setDefaults()
	return &Processor{
		store:    store,
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("processor").With(zap.String("queue", opts.Queue)),
		inst:     telemetry.OrNoop(opts.Instruments),
		tracer:   otel.Tracer("authq/worker"),
		attrs:    metric.WithAttributes(attribute.String("queue", opts.Queue)),
		handlers: map[string]Handler{},
	}, nil
}

func (p *Processor) Name() string { return p.opts.Queue }

// Handle registers h for jobs of jobType. It must be called before
// Initialize.
func (p *Processor) Handle(jobType string, h Handler) {
	p.mu.Lock()
	p.handlers[jobType] = h
	p.mu.Unlock()
}

// Initialize checks the store and starts the slots. Calling it on a running
// processor does nothing.
func (p *Processor) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.closed {
		return fmt.Errorf("processor %s is closed", p.opts.Queue)
	}
	if len(p.handlers) == 0 {
		return domain.NewConfigurationError("processor", "no handlers registered for queue "+p.opts.Queue)
	}
	if _, err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("processor %s: queue store unreachable: %w", p.opts.Queue, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error {
			p.slot(gctx)
			return nil
		})
	}
	if !p.opts.DisableStalledCheck {
		g.Go(func() error {
			p.watchStalled(gctx)
			return nil
		})
	}
	p.cancel = cancel
	p.group = g
	p.running = true
	p.log.Info("processor started",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("lock_duration", p.opts.LockDuration),
	)
	return nil
}

// Pause stops slots from taking new jobs. In-flight jobs keep running.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseCh != nil {
		return
	}
	p.pauseCh = make(chan struct{})
	p.log.Info("processor paused")
}

func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseCh == nil {
		return
	}
	close(p.pauseCh)
	p.pauseCh = nil
	p.log.Info("processor resumed")
}

func (p *Processor) pausedCh() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseCh
}

// Close stops the slots without waiting for in-flight jobs; those finish
// on their own context and settle normally.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.running = false
	if p.cancel != nil {
		p.cancel()
	}
	p.log.Info("processor closed", zap.Int64("active", p.active.Load()))
	return nil
}

// Wait blocks until every slot has exited after Close.
func (p *Processor) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (p *Processor) Active() int64 { return p.active.Load() }

func (p *Processor) Health() Health {
	p.mu.Lock()
	running, paused := p.running, p.pauseCh != nil
	p.mu.Unlock()
	return Health{
		Name:      p.opts.Queue,
		Healthy:   running && !paused,
		IsRunning: running,
		IsPaused:  paused,
		Metrics:   p.Metrics(),
	}
}

func (p *Processor) Metrics() Metrics {
	m := Metrics{
		Queue:        p.opts.Queue,
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Stalled:      p.stalled.Load(),
		Active:       p.active.Load(),
	}
	m.Processed = m.Completed + m.Failed
	if n := p.attempts.Load(); n > 0 {
		m.AverageProcessingTime = float64(p.busyNanos.Load()) / float64(n) / float64(time.Millisecond)
	}
	if m.Processed > 0 {
		m.SuccessRate = float64(m.Completed) / float64(m.Processed)
		m.FailureRate = float64(m.Failed) / float64(m.Processed)
	}
	return m
}

func (p *Processor) slot(ctx context.Context) {
	for ctx.Err() == nil {
		if ch := p.pausedCh(); ch != nil {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
			continue
		}

		job, err := p.store.Dequeue(ctx, p.opts.Queue, p.opts.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var unavailable *domain.QueueUnavailableError
			if errors.As(err, &unavailable) {
				p.log.Debug("queue unavailable, backing off", zap.Error(err))
			} else {
				p.log.Warn("dequeue failed", zap.Error(err))
			}
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		p.process(ctx, job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Processor) process(loopCtx context.Context, job *domain.Job) {
	ctx := context.WithoutCancel(loopCtx)
	if len(job.Trace) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(job.Trace))
	}
	attempt := job.AttemptsMade + 1
	ctx, span := p.tracer.Start(ctx, "queue.ProcessJob", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.String("job.queue", job.Queue),
		attribute.Int("job.attempt", attempt),
	))
	defer span.End()

	p.active.Add(1)
	p.inst.JobsActive.Add(ctx, 1, p.attrs)
	defer func() {
		p.active.Add(-1)
		p.inst.JobsActive.Add(ctx, -1, p.attrs)
	}()

	log := logging.WithContext(ctx, p.log).With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", attempt),
	)
	if id := correlationID(job.Data); id != "" {
		log = log.With(zap.String("correlation_id", id))
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.renewLock(renewCtx, job, log)
	}()

	start := time.Now()
	err := p.run(ctx, job, attempt)
	elapsed := time.Since(start)

	stopRenew()
	<-renewDone

	p.attempts.Add(1)
	p.busyNanos.Add(int64(elapsed))
	p.inst.JobDuration.Record(ctx, elapsed.Seconds(), p.attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.settle(ctx, job, attempt, err, elapsed, log)
}

func (p *Processor) run(ctx context.Context, job *domain.Job, attempt int) (err error) {
	p.mu.Lock()
	h := p.handlers[job.Type]
	p.mu.Unlock()

	wrap := func(cause error) error {
		return &domain.JobExecutionError{JobID: job.ID, JobType: job.Type, Attempt: attempt, Err: cause}
	}
	if h == nil {
		return wrap(fmt.Errorf("no handler registered for job type %q", job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = wrap(fmt.Errorf("panic: %v", r))
		}
	}()
	if herr := h(ctx, job); herr != nil {
		return wrap(herr)
	}
	return nil
}

func (p *Processor) renewLock(ctx context.Context, job *domain.Job, log *zap.Logger) {
	tick := time.NewTicker(p.opts.LockDuration / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if err := p.store.ExtendLock(ctx, job, p.opts.LockDuration); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrLockMismatch) {
				log.Warn("job lock lost")
				return
			}
			log.Warn("lock renewal failed", zap.Error(err))
		}
	}
}

func (p *Processor) settle(ctx context.Context, job *domain.Job, attempt int, err error, elapsed time.Duration, log *zap.Logger) {
	if err == nil {
		if serr := p.store.Ack(ctx, job, p.opts.KeepCompleted); serr != nil {
			p.settleFailed(log, "ack", serr)
			return
		}
		p.completed.Add(1)
		p.inst.JobsCompleted.Add(ctx, 1, p.attrs)
		log.Info("job completed", zap.Duration("duration", elapsed))
		return
	}

	reason := err.Error()
	if !job.Exhausted(attempt) {
		delay := job.Backoff.Next(attempt)
		if serr := p.store.Requeue(ctx, job, delay, reason); serr != nil {
			p.settleFailed(log, "requeue", serr)
			return
		}
		p.retried.Add(1)
		p.inst.JobsRetried.Add(ctx, 1, p.attrs)
		log.Warn("job failed, retrying", zap.Error(err), zap.Duration("backoff", delay))
		return
	}

	if serr := p.store.Fail(ctx, job, p.opts.DeadLetterQueue, reason, p.opts.KeepFailed); serr != nil {
		p.settleFailed(log, "fail", serr)
		return
	}
	p.failed.Add(1)
	p.deadLettered.Add(1)
	p.inst.JobsFailed.Add(ctx, 1, p.attrs)
	p.inst.JobsDeadLettered.Add(ctx, 1, p.attrs)
	log.Error("job failed permanently", zap.Error(err),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.String("dead_letter_queue", p.opts.DeadLetterQueue),
	)
}

func (p *Processor) settleFailed(log *zap.Logger, op string, err error) {
	if errors.Is(err, queue.ErrLockMismatch) {
		log.Warn("job lock lost before "+op+", result discarded")
		return
	}
	log.Error(op+" failed, job left for stalled recovery", zap.Error(err))
}

func (p *Processor) watchStalled(ctx context.Context) {
	tick := time.NewTicker(p.opts.StalledInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		res, err := p.store.ReclaimStalled(ctx, p.opts.Queue, p.opts.DeadLetterQueue, p.opts.MaxStalledCount, 100)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("stalled check failed", zap.Error(err))
			}
			continue
		}
		n := len(res.Requeued) + len(res.Failed)
		if n == 0 {
			continue
		}
		p.stalled.Add(int64(n))
		p.inst.JobsStalled.Add(ctx, int64(n), p.attrs)
		if len(res.Failed) > 0 {
			p.deadLettered.Add(int64(len(res.Failed)))
			p.inst.JobsDeadLettered.Add(ctx, int64(len(res.Failed)), p.attrs)
		}
		p.log.Warn("stalled jobs reclaimed",
			zap.Strings("requeued", res.Requeued),
			zap.Strings("failed", res.Failed),
		)
	}
}

func correlationID(data json.RawMessage) string {
	var v struct {
		CorrelationID string `json:"correlationId"`
	}
	if json.Unmarshal(data, &v) != nil {
		return ""
	}
	return v.CorrelationID
}
