package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/domain"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/telemetry"
)

type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Result struct {
	MessageID string `json:"messageId"`
	Provider  string `json:"providerName"`
}

// Provider is one dispatch backend. Any retrying happens inside Send.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (Result, error)
}

type ChainOption func(*Chain)

func WithLogger(l *zap.Logger) ChainOption {
	return func(c *Chain) { c.log = logging.OrNop(l).Named("dispatch") }
}

func WithInstruments(in *telemetry.Instruments) ChainOption {
	return func(c *Chain) { c.inst = telemetry.OrNoop(in) }
}

// Chain tries its providers in registration order until one succeeds.
type Chain struct {
	providers []Provider
	log       *zap.Logger
	inst      *telemetry.Instruments
	tracer    trace.Tracer
}

func NewChain(providers []Provider, opts ...ChainOption) (*Chain, error) {
	if len(providers) == 0 {
		return nil, domain.NewConfigurationError("dispatch", "at least one provider is required")
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, domain.NewConfigurationError("dispatch", "nil provider")
		}
		if seen[p.Name()] {
			return nil, domain.NewConfigurationError("dispatch", "duplicate provider "+p.Name())
		}
		seen[p.Name()] = true
	}
	c := &Chain{
		providers: append([]Provider(nil), providers...),
		log:       zap.NewNop(),
		inst:      telemetry.Noop(),
		tracer:    otel.Tracer("authq/dispatch"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

type sendOptions struct {
	preferred string
}

type SendOption func(*sendOptions)

// WithPreferredProvider moves the named provider to the front of the
// attempt order. Unknown names are ignored.
func WithPreferredProvider(name string) SendOption {
	return func(o *sendOptions) { o.preferred = name }
}

func (c *Chain) order(preferred string) []Provider {
	if preferred == "" {
		return c.providers
	}
	out := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Name() == preferred {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return c.providers
	}
	for _, p := range c.providers {
		if p.Name() != preferred {
			out = append(out, p)
		}
	}
	return out
}

// SendWithFailover gives each provider exactly one attempt. When all fail
// the error is a *domain.AllProvidersFailedError listing every attempt.
func (c *Chain) SendWithFailover(ctx context.Context, msg Message, opts ...SendOption) (Result, error) {
	var so sendOptions
	for _, o := range opts {
		o(&so)
	}

	var failures []domain.ProviderFailure
	for _, p := range c.order(so.preferred) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := c.attempt(ctx, p, msg)
		if err == nil {
			return res, nil
		}
		failures = append(failures, domain.ProviderFailure{Provider: p.Name(), Err: err})
	}
	c.log.Error("all providers failed", zap.Int("attempts", len(failures)))
	return Result{}, &domain.AllProvidersFailedError{Attempts: failures}
}

func (c *Chain) attempt(ctx context.Context, p Provider, msg Message) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.Send", trace.WithAttributes(
		attribute.String("dispatch.provider", p.Name()),
	))
	defer span.End()

	res, err := p.Send(ctx, msg)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.WithContext(ctx, c.log).Warn("provider failed",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
	}
	c.inst.DispatchSends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		return Result{}, err
	}
	res.Provider = p.Name()
	span.SetAttributes(attribute.String("dispatch.message_id", res.MessageID))
	return res, nil
}
