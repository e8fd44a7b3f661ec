package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/multierr"
)

type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPProvider hands messages to a mail relay through a RabbitMQ exchange.
type AMQPProvider struct {
	exchange string
	key      string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   publisher
}

func NewAMQPProvider(url, exchange, routingKey string) (*AMQPProvider, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	p := newAMQPProvider(ch, exchange, routingKey)
	p.conn = conn
	return p, nil
}

func newAMQPProvider(ch publisher, exchange, routingKey string) *AMQPProvider {
	return &AMQPProvider{exchange: exchange, key: routingKey, ch: ch}
}

func (p *AMQPProvider) Name() string { return "amqp" }

func (p *AMQPProvider) Send(ctx context.Context, msg Message) (Result, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make(amqp.Table, len(carrier))
	for k, v := range carrier {
		headers[k] = v
	}

	id := uuid.NewString()
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(p.exchange, p.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{MessageID: id, Provider: p.Name()}, nil
}

func (p *AMQPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		err = multierr.Append(err, p.conn.Close())
	}
	return err
}
