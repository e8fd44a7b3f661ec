package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Domain is used for generated Message-IDs.
	Domain string
}

type SMTPProvider struct {
	name   string
	client mailSender
	domain string
}

func NewSMTPProvider(cfg SMTPConfig) (*SMTPProvider, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return newSMTPProvider("smtp", client, cfg.Domain), nil
}

func newSMTPProvider(name string, client mailSender, domain string) *SMTPProvider {
	if domain == "" {
		domain = "localhost"
	}
	return &SMTPProvider{name: name, client: client, domain: domain}
}

func (p *SMTPProvider) Name() string { return p.name }

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (Result, error) {
	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return Result{}, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return Result{}, fmt.Errorf("to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	id := uuid.NewString() + "@" + p.domain
	m.SetMessageIDWithValue(id)

	if err := p.client.DialAndSendWithContext(ctx, m); err != nil {
		return Result{}, err
	}
	return Result{MessageID: id, Provider: p.name}, nil
}
