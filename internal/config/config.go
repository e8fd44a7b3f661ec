package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/domain"
)

type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"production" validate:"oneof=development test production"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr    string `env:"API_ADDR" envDefault:":8080"`
	HealthAddr string `env:"HEALTH_ADDR" envDefault:":8081"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`

	DataStoreDriver string `env:"DATASTORE_DRIVER" envDefault:"none" validate:"oneof=none postgres mongo"`
	PostgresDSN     string `env:"POSTGRES_DSN" validate:"required_if=DataStoreDriver postgres"`
	MongoURI        string `env:"MONGO_URI" validate:"required_if=DataStoreDriver mongo"`

	Queue   QueueConfig
	Breaker BreakerConfig
	Mail    MailConfig
	Otel    OtelConfig

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	SchedInterval time.Duration `env:"SCHED_INTERVAL" envDefault:"1s" validate:"gt=0"`
	SchedQueues   []string      `env:"SCHED_QUEUES" envSeparator:","`
}

type QueueConfig struct {
	Prefix              string        `env:"QUEUE_PREFIX" envDefault:"authq"`
	EmailQueue          string        `env:"EMAIL_QUEUE" envDefault:"email" validate:"required"`
	DeadLetterQueue     string        `env:"DEAD_LETTER_QUEUE" envDefault:"email-dlq"`
	Concurrency         int           `env:"QUEUE_CONCURRENCY" envDefault:"5" validate:"min=1,max=256"`
	MaxAttempts         int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3" validate:"min=1"`
	BackoffType         string        `env:"QUEUE_BACKOFF_TYPE" envDefault:"exponential" validate:"oneof=exponential fixed"`
	BackoffDelay        time.Duration `env:"QUEUE_BACKOFF_DELAY" envDefault:"1s" validate:"gte=0"`
	LockDuration        time.Duration `env:"QUEUE_LOCK_DURATION" envDefault:"30s" validate:"gt=0"`
	PollInterval        time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s" validate:"gt=0"`
	StalledInterval     time.Duration `env:"QUEUE_STALLED_INTERVAL" envDefault:"30s" validate:"gt=0"`
	DisableStalledCheck bool          `env:"QUEUE_DISABLE_STALLED_CHECK" envDefault:"false"`
	MaxStalledCount     int           `env:"QUEUE_MAX_STALLED_COUNT" envDefault:"1" validate:"gte=0"`
	KeepCompleted       int           `env:"QUEUE_KEEP_COMPLETED" envDefault:"100" validate:"min=1"`
	KeepFailed          int           `env:"QUEUE_KEEP_FAILED" envDefault:"500" validate:"min=1"`
}

type BreakerConfig struct {
	Timeout               time.Duration `env:"CB_TIMEOUT" envDefault:"3s" validate:"gt=0"`
	ErrorThresholdPercent int           `env:"CB_ERROR_THRESHOLD" envDefault:"50" validate:"min=1,max=100"`
	ResetTimeout          time.Duration `env:"CB_RESET_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	VolumeThreshold       int           `env:"CB_VOLUME_THRESHOLD" envDefault:"5" validate:"min=1"`
	RollingWindow         time.Duration `env:"CB_ROLLING_WINDOW" envDefault:"10s" validate:"gt=0"`
	RollingBuckets        int           `env:"CB_ROLLING_BUCKETS" envDefault:"10" validate:"min=1"`
}

type MailConfig struct {
	From       string        `env:"MAIL_FROM" envDefault:"no-reply@localhost" validate:"required"`
	Providers  []string      `env:"MAIL_PROVIDERS" envSeparator:"," envDefault:"smtp"`
	RateLimit  int           `env:"EMAIL_RATE_LIMIT" envDefault:"5" validate:"gte=0"`
	RateWindow time.Duration `env:"EMAIL_RATE_WINDOW" envDefault:"1h" validate:"gt=0"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	APIURL        string        `env:"EMAIL_API_URL"`
	APIKey        string        `env:"EMAIL_API_KEY"`
	APIMaxRetries uint64        `env:"EMAIL_API_MAX_RETRIES" envDefault:"3"`
	APITimeout    time.Duration `env:"EMAIL_API_TIMEOUT" envDefault:"10s"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"mail"`
	AMQPRouting  string `env:"AMQP_ROUTING_KEY" envDefault:"outbound"`
}

type OtelConfig struct {
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"authq"`
	Endpoint    string `env:"OTEL_EXPORTER_ENDPOINT"`
}

func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return Parse(env.Options{})
}

// Parse reads the environment (or opts.Environment when set) and validates it.
func Parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return c, &domain.ConfigurationError{Component: "config", Reason: "parse environment", Err: err}
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return &domain.ConfigurationError{
				Component: "config",
				Reason:    fmt.Sprintf("%s failed %q", f.Namespace(), f.Tag()),
				Err:       err,
			}
		}
		return &domain.ConfigurationError{Component: "config", Reason: "validate", Err: err}
	}
	for _, p := range c.Mail.Providers {
		switch p {
		case "smtp":
			if c.Mail.SMTPHost == "" {
				return domain.NewConfigurationError("config", "SMTP_HOST is required for the smtp provider")
			}
		case "api":
			if c.Mail.APIURL == "" {
				return domain.NewConfigurationError("config", "EMAIL_API_URL is required for the api provider")
			}
		case "amqp":
			if c.Mail.AMQPURL == "" {
				return domain.NewConfigurationError("config", "AMQP_URL is required for the amqp provider")
			}
		default:
			return domain.NewConfigurationError("config", "unknown mail provider "+p)
		}
	}
	return nil
}

func (q QueueConfig) Backoff() domain.Backoff {
	return domain.Backoff{Type: domain.BackoffType(q.BackoffType), Delay: q.BackoffDelay}
}

// Options returns breaker settings for the resource called name.
func (b BreakerConfig) Options(name string) breaker.Options {
	return breaker.Options{
		Name:                  name,
		Timeout:               b.Timeout,
		ErrorThresholdPercent: b.ErrorThresholdPercent,
		ResetTimeout:          b.ResetTimeout,
		RollingWindow:         b.RollingWindow,
		RollingBuckets:        b.RollingBuckets,
		VolumeThreshold:       b.VolumeThreshold,
	}
}
