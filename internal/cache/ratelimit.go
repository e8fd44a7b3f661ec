package cache

import (
	"context"
	"time"
)

// RateLimiter is a fixed-window counter on top of Client. When the cache
// is degraded requests are allowed.
type RateLimiter struct {
	c      *Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRateLimiter(c *Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{c: c, prefix: prefix, limit: int64(limit), window: window}
}

// Allow counts one hit for key and reports whether it is within the limit.
// A limit of zero disables limiting.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	n, err := l.c.IncrWindow(ctx, l.prefix+":"+key, l.window)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return n <= l.limit, nil
}
