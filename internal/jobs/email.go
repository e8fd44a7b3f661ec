package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/cache"
	"github.com/SirClappington/authq/internal/dispatch"
	"github.com/SirClappington/authq/internal/domain"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/queue"
)

const TypeSendEmail = "send-email"

var ErrRateLimited = errors.New("recipient rate limit exceeded")

type EmailPayload struct {
	To             string `json:"to" validate:"required,email"`
	From           string `json:"from,omitempty" validate:"omitempty,email"`
	Subject        string `json:"subject" validate:"required,max=998"`
	Body           string `json:"body" validate:"required"`
	Provider       string `json:"provider,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

type Sender interface {
	SendWithFailover(ctx context.Context, msg dispatch.Message, opts ...dispatch.SendOption) (dispatch.Result, error)
}

type EmailOptions struct {
	From string
	// SentTTL bounds how long a delivered message is remembered for
	// idempotency.
	SentTTL time.Duration
	Logger  *zap.Logger
}

// SendEmail delivers send-email jobs through the failover chain. A job
// that already delivered (for example before a crash prevented its ack)
// is not sent twice while the cache remembers it.
type SendEmail struct {
	sender  Sender
	cache   *cache.Client
	limiter *cache.RateLimiter
	opts    EmailOptions
	log     *zap.Logger
	v       *validator.Validate
}

func NewSendEmail(sender Sender, c *cache.Client, limiter *cache.RateLimiter, opts EmailOptions) (*SendEmail, error) {
	if sender == nil {
		return nil, domain.NewConfigurationError("send-email", "sender is required")
	}
	if opts.SentTTL <= 0 {
		opts.SentTTL = 24 * time.Hour
	}
	return &SendEmail{
		sender:  sender,
		cache:   c,
		limiter: limiter,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Named("send-email"),
		v:       validator.New(),
	}, nil
}

// EmailSchema validates send-email payloads at enqueue time.
func EmailSchema() queue.Schema {
	return queue.StructSchema[EmailPayload](validator.New())
}

func (h *SendEmail) Handle(ctx context.Context, job *domain.Job) error {
	var p EmailPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := h.v.Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	key := "email:sent:" + job.ID
	if p.IdempotencyKey != "" {
		key = "email:sent:" + p.IdempotencyKey
	}
	log := logging.WithContext(ctx, h.log).With(zap.String("job_id", job.ID))

	if h.cache != nil {
		if id, ok, _ := h.cache.Get(ctx, key); ok {
			log.Info("email already sent", zap.String("message_id", id))
			return nil
		}
	}
	if h.limiter != nil {
		ok, err := h.limiter.Allow(ctx, p.To)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRateLimited
		}
	}

	from := p.From
	if from == "" {
		from = h.opts.From
	}
	var opts []dispatch.SendOption
	if p.Provider != "" {
		opts = append(opts, dispatch.WithPreferredProvider(p.Provider))
	}
	res, err := h.sender.SendWithFailover(ctx, dispatch.Message{From: from, To: p.To, Subject: p.Subject, Body: p.Body}, opts...)
	if err != nil {
		return err
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, key, res.MessageID, h.opts.SentTTL); err != nil {
			log.Warn("could not record sent email", zap.Error(err))
		}
	}
	log.Info("email sent", zap.String("provider", res.Provider), zap.String("message_id", res.MessageID))
	return nil
}
