package dispatch

import (
	"strings"

	"go.uber.org/multierr"

	"github.com/SirClappington/authq/internal/config"
	"github.com/SirClappington/authq/internal/domain"
)

// NewProviders builds the providers listed in cfg.Providers, in order.
// The returned close func releases provider connections.
func NewProviders(cfg config.MailConfig) ([]Provider, func() error, error) {
	var (
		providers []Provider
		closers   []func() error
	)
	closeAll := func() error {
		var err error
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}

	for _, name := range cfg.Providers {
		switch name {
		case "smtp":
			p, err := NewSMTPProvider(SMTPConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				Domain:   senderDomain(cfg.From),
			})
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			providers = append(providers, p)
		case "api":
			providers = append(providers, NewHTTPProvider(HTTPConfig{
				URL:        cfg.APIURL,
				APIKey:     cfg.APIKey,
				Timeout:    cfg.APITimeout,
				MaxRetries: cfg.APIMaxRetries,
			}))
		case "amqp":
			p, err := NewAMQPProvider(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRouting)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			providers = append(providers, p)
			closers = append(closers, p.Close)
		default:
			_ = closeAll()
			return nil, nil, domain.NewConfigurationError("dispatch", "unknown provider "+name)
		}
	}
	return providers, closeAll, nil
}

func senderDomain(from string) string {
	if i := strings.LastIndexByte(from, '@'); i >= 0 {
		return strings.TrimSuffix(from[i+1:], ">")
	}
	return ""
}
