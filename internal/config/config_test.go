package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/authq/internal/domain"
)

func baseEnv() map[string]string {
	return map[string]string{
		"REDIS_ADDR": "localhost:6379",
		"SMTP_HOST":  "smtp.local",
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: baseEnv()})
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BackoffDelay)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.Breaker.ErrorThresholdPercent)
	assert.Equal(t, 10, cfg.Breaker.RollingBuckets)
	assert.False(t, cfg.Queue.DisableStalledCheck)
	assert.Equal(t, []string{"smtp"}, cfg.Mail.Providers)
	assert.Equal(t, domain.Backoff{Type: domain.BackoffExponential, Delay: time.Second}, cfg.Queue.Backoff())
}

func TestParseOverrides(t *testing.T) {
	e := baseEnv()
	e["QUEUE_CONCURRENCY"] = "12"
	e["QUEUE_DISABLE_STALLED_CHECK"] = "true"
	e["CB_TIMEOUT"] = "750ms"
	e["SCHED_QUEUES"] = "email,sms"

	cfg, err := Parse(env.Options{Environment: e})
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Queue.Concurrency)
	assert.True(t, cfg.Queue.DisableStalledCheck)
	assert.Equal(t, 750*time.Millisecond, cfg.Breaker.Timeout)
	assert.Equal(t, []string{"email", "sms"}, cfg.SchedQueues)
}

func TestParseMissingRedis(t *testing.T) {
	_, err := Parse(env.Options{Environment: map[string]string{"SMTP_HOST": "x"}})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero concurrency", "QUEUE_CONCURRENCY", "0"},
		{"threshold above 100", "CB_ERROR_THRESHOLD", "101"},
		{"unknown backoff", "QUEUE_BACKOFF_TYPE", "linear"},
		{"postgres without dsn", "DATASTORE_DRIVER", "postgres"},
		{"unknown provider", "MAIL_PROVIDERS", "pigeon"},
		{"api provider without url", "MAIL_PROVIDERS", "api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := baseEnv()
			e[tt.key] = tt.val
			_, err := Parse(env.Options{Environment: e})
			var cfgErr *domain.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestBreakerOptions(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: baseEnv()})
	require.NoError(t, err)

	opts := cfg.Breaker.Options("queue")
	assert.Equal(t, "queue", opts.Name)
	assert.Equal(t, 3*time.Second, opts.Timeout)
	assert.Equal(t, 30*time.Second, opts.ResetTimeout)
	assert.Equal(t, 5, opts.VolumeThreshold)
}
