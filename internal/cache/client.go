package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/logging"
)

type Command string

const (
	CmdGet    Command = "get"
	CmdSet    Command = "set"
	CmdDel    Command = "del"
	CmdIncr   Command = "incr"
	CmdExpire Command = "expire"
	CmdTTL    Command = "ttl"
)

// DefaultCritical lists the commands whose failure is reported to the
// caller. All other commands degrade to their zero result.
var DefaultCritical = map[Command]bool{
	CmdSet: true,
	CmdDel: true,
}

// UnavailableError is returned by critical commands when the cache cannot
// serve them.
type UnavailableError struct {
	Command Command
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable for %s: %v", e.Command, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

type Options struct {
	// Critical overrides DefaultCritical when non-nil.
	Critical map[Command]bool
	Logger   *zap.Logger
}

// Client is a breaker-guarded key-value client.
type Client struct {
	rdb      r.UniversalClient
	cb       *breaker.Breaker
	critical map[Command]bool
	log      *zap.Logger
}

func New(rdb r.UniversalClient, cb *breaker.Breaker, opts Options) *Client {
	crit := opts.Critical
	if crit == nil {
		crit = DefaultCritical
	}
	return &Client{
		rdb:      rdb,
		cb:       cb,
		critical: crit,
		log:      logging.OrNop(opts.Logger).Named("cache"),
	}
}

func (c *Client) Breaker() *breaker.Breaker { return c.cb }

func call[T any](ctx context.Context, c *Client, cmd Command, key string, fn func(context.Context) (T, error)) (T, error) {
	v, err := breaker.Do(ctx, c.cb, fn)
	if err == nil {
		return v, nil
	}
	var zero T
	if ctx.Err() != nil {
		return zero, err
	}
	if !c.critical[cmd] {
		c.log.Warn("cache command degraded", zap.String("command", string(cmd)), zap.String("key", key), zap.Error(err))
		return zero, nil
	}
	return zero, &UnavailableError{Command: cmd, Err: err}
}

// Get returns the value at key and whether it exists. A missing key is not
// a failure.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	type hit struct {
		v  string
		ok bool
	}
	h, err := call(ctx, c, CmdGet, key, func(ctx context.Context) (hit, error) {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, r.Nil) {
			return hit{}, nil
		}
		return hit{v, err == nil}, err
	})
	return h.v, h.ok, err
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	_, err := call(ctx, c, CmdSet, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.rdb.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	key := ""
	if len(keys) > 0 {
		key = keys[0]
	}
	return call(ctx, c, CmdDel, key, func(ctx context.Context) (int64, error) {
		return c.rdb.Del(ctx, keys...).Result()
	})
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return call(ctx, c, CmdIncr, key, func(ctx context.Context) (int64, error) {
		return c.rdb.Incr(ctx, key).Result()
	})
}

var incrWindowScript = r.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// IncrWindow increments key and gives it a ttl of window unless it already
// has one, in a single script.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return call(ctx, c, CmdIncr, key, func(ctx context.Context) (int64, error) {
		return incrWindowScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64()
	})
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return call(ctx, c, CmdExpire, key, func(ctx context.Context) (bool, error) {
		return c.rdb.Expire(ctx, key, ttl).Result()
	})
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return call(ctx, c, CmdTTL, key, func(ctx context.Context) (time.Duration, error) {
		return c.rdb.TTL(ctx, key).Result()
	})
}

// Ping, PoolStats and Close go straight to Redis.

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Client) PoolStats() *r.PoolStats { return c.rdb.PoolStats() }

func (c *Client) Close() error { return c.rdb.Close() }
