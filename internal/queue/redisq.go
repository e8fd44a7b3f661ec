package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/authq/internal/domain"
)

const promoteBatch = 200

// RedisQ implements Store on Redis. Multi-key transitions run as Lua
// scripts so each one is atomic.
type RedisQ struct {
	rdb    r.UniversalClient
	prefix string
	now    func() time.Time
}

type Option func(*RedisQ)

func WithClock(now func() time.Time) Option {
	return func(q *RedisQ) { q.now = now }
}

func New(rdb r.UniversalClient, prefix string, opts ...Option) *RedisQ {
	q := &RedisQ{rdb: rdb, prefix: prefix, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQ) base(queue string) string {
	return q.prefix + ":{" + queue + "}:"
}

func (q *RedisQ) nowMs() int64 { return q.now().UnixMilli() }

func (q *RedisQ) Enqueue(ctx context.Context, job *domain.Job) (string, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	trace := ""
	if len(job.Trace) > 0 {
		b, err := json.Marshal(job.Trace)
		if err != nil {
			return "", false, err
		}
		trace = string(b)
	}
	now := q.now()
	res, err := enqueueScript.Run(ctx, q.rdb, []string{q.base(job.Queue)},
		job.ID, job.Type, string(job.Data), job.MaxAttempts, job.Priority,
		job.Delay.Milliseconds(), job.DedupID, string(job.Backoff.Type), job.Backoff.Delay.Milliseconds(),
		now.UnixMilli(), trace, job.Queue,
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", job.Queue, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("enqueue %s: unexpected reply %v", job.Queue, res)
	}
	created, _ := res[0].(int64)
	id, _ := res[1].(string)
	if created == 1 {
		job.CreatedAt = now
		if job.Delay > 0 {
			job.State = domain.Delayed
		} else {
			job.State = domain.Waiting
		}
	}
	return id, created == 1, nil
}

func (q *RedisQ) Dequeue(ctx context.Context, queue string, lock time.Duration) (*domain.Job, error) {
	now := q.nowMs()
	token := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.rdb, []string{q.base(queue)},
		now, now+lock.Milliseconds(), token, promoteBatch,
	).Slice()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decodeJob(fields)
}

func (q *RedisQ) ExtendLock(ctx context.Context, job *domain.Job, lock time.Duration) error {
	return q.owned(extendLockScript.Run(ctx, q.rdb, []string{q.base(job.Queue)},
		job.ID, job.Token, q.nowMs()+lock.Milliseconds(),
	))
}

func (q *RedisQ) Ack(ctx context.Context, job *domain.Job, keep int) error {
	return q.owned(ackScript.Run(ctx, q.rdb, []string{q.base(job.Queue)},
		job.ID, job.Token, q.nowMs(), keep,
	))
}

func (q *RedisQ) Requeue(ctx context.Context, job *domain.Job, delay time.Duration, reason string) error {
	return q.owned(requeueScript.Run(ctx, q.rdb, []string{q.base(job.Queue)},
		job.ID, job.Token, q.nowMs(), delay.Milliseconds(), reason,
	))
}

func (q *RedisQ) Fail(ctx context.Context, job *domain.Job, deadQueue, reason string, keep int) error {
	now := q.now()
	return q.owned(failScript.Run(ctx, q.rdb, q.keys(job.Queue, deadQueue),
		job.ID, job.Token, now.UnixMilli(), keep, reason, failedAt(now),
	))
}

// keys returns the key base of queue, followed by the dead-letter list of
// deadQueue when one is given.
func (q *RedisQ) keys(queue, deadQueue string) []string {
	if deadQueue == "" {
		return []string{q.base(queue)}
	}
	return []string{q.base(queue), q.deadKey(deadQueue)}
}

func (q *RedisQ) deadKey(queue string) string { return q.base(queue) + "dead" }

func failedAt(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (q *RedisQ) owned(cmd *r.Cmd) error {
	n, err := cmd.Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockMismatch
	}
	return nil
}

func (q *RedisQ) PromoteDelayed(ctx context.Context, queue string, limit int) (int, error) {
	return promoteScript.Run(ctx, q.rdb, []string{q.base(queue)}, q.nowMs(), limit).Int()
}

func (q *RedisQ) ReclaimStalled(ctx context.Context, queue, deadQueue string, maxStalled, limit int) (StalledResult, error) {
	now := q.now()
	res, err := reclaimScript.Run(ctx, q.rdb, q.keys(queue, deadQueue),
		now.UnixMilli(), maxStalled, limit, failedAt(now),
	).Slice()
	if err != nil {
		return StalledResult{}, fmt.Errorf("reclaim stalled %s: %w", queue, err)
	}
	var out StalledResult
	if len(res) == 2 {
		out.Requeued = toStrings(res[0])
		out.Failed = toStrings(res[1])
	}
	return out, nil
}

func (q *RedisQ) PushDeadLetter(ctx context.Context, queue string, entry domain.DeadLetter) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.deadKey(queue), b).Err()
}

func (q *RedisQ) DeadLetters(ctx context.Context, queue string, limit int64) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.rdb.LRange(ctx, q.deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeadLetter, 0, len(raw))
	for _, s := range raw {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQ) PopDeadLetter(ctx context.Context, queue string) (domain.DeadLetter, error) {
	var dl domain.DeadLetter
	s, err := q.rdb.LPop(ctx, q.deadKey(queue)).Result()
	if errors.Is(err, r.Nil) {
		return dl, ErrNoDeadLetters
	}
	if err != nil {
		return dl, err
	}
	err = json.Unmarshal([]byte(s), &dl)
	return dl, err
}

func (q *RedisQ) Counts(ctx context.Context, queue string) (domain.Counts, error) {
	base := q.base(queue)
	pipe := q.rdb.Pipeline()
	wait := pipe.ZCard(ctx, base+"wait")
	active := pipe.ZCard(ctx, base+"active")
	completed := pipe.ZCard(ctx, base+"completed")
	failed := pipe.ZCard(ctx, base+"failed")
	delayed := pipe.ZCard(ctx, base+"delayed")
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Counts{}, err
	}
	return domain.Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

func (q *RedisQ) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func decodeJob(f map[string]string) (*domain.Job, error) {
	j := &domain.Job{
		ID:           f["id"],
		Queue:        f["queue"],
		Type:         f["type"],
		Data:         json.RawMessage(f["data"]),
		DedupID:      f["dedupId"],
		State:        domain.State(f["state"]),
		FailedReason: f["failedReason"],
		Token:        f["token"],
		AttemptsMade: atoi(f["attemptsMade"]),
		MaxAttempts:  atoi(f["maxAttempts"]),
		Priority:     atoi(f["priority"]),
		StalledCount: atoi(f["stalledCount"]),
		Delay:        time.Duration(atoi64(f["delay"])) * time.Millisecond,
		Backoff: domain.Backoff{
			Type:  domain.BackoffType(f["backoffType"]),
			Delay: time.Duration(atoi64(f["backoffDelay"])) * time.Millisecond,
		},
		CreatedAt:   msTime(f["createdAt"]),
		ProcessedAt: msTime(f["processedAt"]),
		FinishedAt:  msTime(f["finishedAt"]),
	}
	if t := f["trace"]; t != "" {
		if err := json.Unmarshal([]byte(t), &j.Trace); err != nil {
			return nil, fmt.Errorf("decode trace of job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func atoi(s string) int { return int(atoi64(s)) }

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(atoi64(s))
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
