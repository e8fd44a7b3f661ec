package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/domain"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/telemetry"
)

const (
	DefaultAttempts      = 3
	DefaultBackoffDelay  = time.Second
	DefaultKeepCompleted = 100
	DefaultKeepFailed    = 500
)

// Schema checks a job payload before it is enqueued.
type Schema func(data []byte) error

// StructSchema decodes the payload into T and runs struct validation on it.
func StructSchema[T any](v *validator.Validate) Schema {
	if v == nil {
		v = validator.New()
	}
	return func(data []byte) error {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return &domain.ValidationError{Fields: []domain.FieldError{{Field: "data", Message: err.Error()}}, Err: err}
		}
		err := v.Struct(payload)
		if err == nil {
			return nil
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &domain.ValidationError{Err: err}
		}
		fields := make([]domain.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, domain.FieldError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
			})
		}
		return &domain.ValidationError{Fields: fields, Err: err}
	}
}

type JobOption func(*domain.Job)

func WithJobID(id string) JobOption { return func(j *domain.Job) { j.ID = id } }

func WithAttempts(n int) JobOption { return func(j *domain.Job) { j.MaxAttempts = n } }

func WithBackoff(b domain.Backoff) JobOption { return func(j *domain.Job) { j.Backoff = b } }

func WithDelay(d time.Duration) JobOption { return func(j *domain.Job) { j.Delay = d } }

// WithPriority sets the job priority; lower values are dequeued first.
func WithPriority(p int) JobOption { return func(j *domain.Job) { j.Priority = p } }

func WithDedupID(id string) JobOption { return func(j *domain.Job) { j.DedupID = id } }

type ProducerOptions struct {
	Queue           string
	DeadLetterQueue string
	Attempts        int
	Backoff         domain.Backoff
	Logger          *zap.Logger
	Instruments     *telemetry.Instruments
}

type Producer struct {
	store  Store
	opts   ProducerOptions
	log    *zap.Logger
	inst   *telemetry.Instruments
	tracer trace.Tracer

	mu      sync.RWMutex
	schemas map[string]Schema
}

func NewProducer(store Store, opts ProducerOptions) (*Producer, error) {
	if opts.Queue == "" {
		return nil, domain.NewConfigurationError("producer", "queue name is required")
	}
	if opts.DeadLetterQueue == "" {
		opts.DeadLetterQueue = opts.Queue
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff.Type == "" {
		opts.Backoff = domain.Backoff{Type: domain.BackoffExponential, Delay: DefaultBackoffDelay}
	}
	return &Producer{
		store:   store,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Named("producer"),
		inst:    telemetry.OrNoop(opts.Instruments),
		tracer:  otel.Tracer("authq/queue"),
		schemas: map[string]Schema{},
	}, nil
}

func (p *Producer) Queue() string { return p.opts.Queue }

// RegisterSchema makes AddJob validate payloads of jobType with s.
func (p *Producer) RegisterSchema(jobType string, s Schema) {
	p.mu.Lock()
	p.schemas[jobType] = s
	p.mu.Unlock()
}

func (p *Producer) schema(jobType string) Schema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schemas[jobType]
}

// AddJob validates and enqueues a job. A job whose dedup id is already
// pending is not added again; the pending job is returned with Duplicate set.
func (p *Producer) AddJob(ctx context.Context, jobType string, data any, opts ...JobOption) (*domain.Job, error) {
	ctx, span := p.tracer.Start(ctx, "queue.AddJob", trace.WithAttributes(
		attribute.String("job.queue", p.opts.Queue),
		attribute.String("job.type", jobType),
	))
	defer span.End()

	job, err := p.build(jobType, data, opts)
	if err != nil {
		p.record(ctx, jobType, "failure")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		job.Trace = carrier
	}

	log := logging.WithContext(ctx, p.log).With(
		zap.String("queue", job.Queue),
		zap.String("type", jobType),
	)

	id, created, err := p.store.Enqueue(ctx, job)
	if err != nil {
		p.record(ctx, jobType, "failure")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("enqueue failed", zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", id))

	if !created {
		job.ID = id
		job.Duplicate = true
		p.record(ctx, jobType, "duplicate")
		log.Info("duplicate job skipped", zap.String("job_id", id), zap.String("dedup_id", job.DedupID))
		return job, nil
	}

	p.record(ctx, jobType, "success")
	log.Info("job enqueued",
		zap.String("job_id", id),
		zap.Int("priority", job.Priority),
		zap.Duration("delay", job.Delay),
	)
	return job, nil
}

func (p *Producer) AddDeduplicatedJob(ctx context.Context, jobType string, data any, dedupID string) (*domain.Job, error) {
	return p.AddJob(ctx, jobType, data, WithDedupID(dedupID))
}

func (p *Producer) AddDelayedJob(ctx context.Context, jobType string, data any, delay time.Duration) (*domain.Job, error) {
	return p.AddJob(ctx, jobType, data, WithDelay(delay))
}

func (p *Producer) AddPriorityJob(ctx context.Context, jobType string, data any, priority int) (*domain.Job, error) {
	return p.AddJob(ctx, jobType, data, WithPriority(priority))
}

func (p *Producer) build(jobType string, data any, opts []JobOption) (*domain.Job, error) {
	if jobType == "" {
		return nil, &domain.ValidationError{Fields: []domain.FieldError{{Field: "type", Message: "is required"}}}
	}
	raw, err := encode(data)
	if err != nil {
		return nil, &domain.ValidationError{JobType: jobType, Fields: []domain.FieldError{{Field: "data", Message: err.Error()}}, Err: err}
	}
	if s := p.schema(jobType); s != nil {
		if err := s(raw); err != nil {
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				ve = &domain.ValidationError{Err: err}
			}
			ve.JobType = jobType
			return nil, ve
		}
	}

	job := &domain.Job{
		Queue:       p.opts.Queue,
		Type:        jobType,
		Data:        raw,
		MaxAttempts: p.opts.Attempts,
		Backoff:     p.opts.Backoff,
	}
	for _, o := range opts {
		o(job)
	}

	var fields []domain.FieldError
	if job.MaxAttempts < 1 {
		fields = append(fields, domain.FieldError{Field: "attempts", Message: "must be at least 1"})
	}
	if job.Priority < 0 || job.Priority > domain.MaxPriority {
		fields = append(fields, domain.FieldError{Field: "priority", Message: fmt.Sprintf("must be within 0..%d", domain.MaxPriority)})
	}
	if job.Delay < 0 {
		fields = append(fields, domain.FieldError{Field: "delay", Message: "must not be negative"})
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{JobType: jobType, Fields: fields}
	}
	return job, nil
}

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (p *Producer) record(ctx context.Context, jobType, outcome string) {
	p.inst.JobsEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", p.opts.Queue),
		attribute.String("type", jobType),
		attribute.String("outcome", outcome),
	))
}

func (p *Producer) Counts(ctx context.Context) (domain.Counts, error) {
	return p.store.Counts(ctx, p.opts.Queue)
}

// DeadLetters lists dead-letter entries, most recent first.
func (p *Producer) DeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error) {
	return p.store.DeadLetters(ctx, p.opts.DeadLetterQueue, limit)
}

// ReplayDeadLetter re-adds the most recent dead-letter entry as a fresh
// job. The entry is put back when the enqueue fails.
func (p *Producer) ReplayDeadLetter(ctx context.Context) (*domain.Job, error) {
	dl, err := p.store.PopDeadLetter(ctx, p.opts.DeadLetterQueue)
	if err != nil {
		return nil, err
	}
	job, err := p.AddJob(ctx, dl.Name, dl.Data)
	if err != nil {
		if perr := p.store.PushDeadLetter(ctx, p.opts.DeadLetterQueue, dl); perr != nil {
			p.log.Error("dead letter lost during replay", zap.String("job_id", dl.JobID), zap.Error(perr))
		}
		return nil, err
	}
	p.log.Info("dead letter replayed", zap.String("job_id", dl.JobID), zap.String("new_job_id", job.ID))
	return job, nil
}
