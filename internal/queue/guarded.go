package queue

import (
	"context"
	"errors"
	"time"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/domain"
)

// GuardedStore routes every data operation of a Store through a circuit
// breaker. Ping bypasses the breaker so health checks still reach Redis
// while the circuit is open.
type GuardedStore struct {
	next Store
	cb   *breaker.Breaker
}

var _ Store = (*GuardedStore)(nil)

func NewGuarded(next Store, cb *breaker.Breaker) *GuardedStore {
	return &GuardedStore{next: next, cb: cb}
}

func (g *GuardedStore) Breaker() *breaker.Breaker { return g.cb }

func unavailable(queue, op string, err error) error {
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTimeout) {
		return &domain.QueueUnavailableError{Queue: queue, Op: op, Err: err}
	}
	return err
}

func guard[T any](ctx context.Context, g *GuardedStore, queue, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := breaker.Do(ctx, g.cb, fn)
	return v, unavailable(queue, op, err)
}

func (g *GuardedStore) Enqueue(ctx context.Context, job *domain.Job) (string, bool, error) {
	type out struct {
		id      string
		created bool
	}
	res, err := guard(ctx, g, job.Queue, "enqueue", func(ctx context.Context) (out, error) {
		id, created, err := g.next.Enqueue(ctx, job)
		return out{id, created}, err
	})
	return res.id, res.created, err
}

func (g *GuardedStore) Dequeue(ctx context.Context, queue string, lock time.Duration) (*domain.Job, error) {
	return guard(ctx, g, queue, "dequeue", func(ctx context.Context) (*domain.Job, error) {
		return g.next.Dequeue(ctx, queue, lock)
	})
}

func (g *GuardedStore) exec(ctx context.Context, queue, op string, fn func(context.Context) error) error {
	return unavailable(queue, op, g.cb.Execute(ctx, fn))
}

// Lock mismatches are the caller's problem, not the store's, so they do
// not count against the breaker.
func (g *GuardedStore) settle(ctx context.Context, job *domain.Job, op string, fn func(context.Context) error) error {
	var mismatch bool
	err := g.exec(ctx, job.Queue, op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrLockMismatch) {
			mismatch = true
			return nil
		}
		return err
	})
	if err == nil && mismatch {
		return ErrLockMismatch
	}
	return err
}

func (g *GuardedStore) ExtendLock(ctx context.Context, job *domain.Job, lock time.Duration) error {
	return g.settle(ctx, job, "extend lock", func(ctx context.Context) error {
		return g.next.ExtendLock(ctx, job, lock)
	})
}

func (g *GuardedStore) Ack(ctx context.Context, job *domain.Job, keep int) error {
	return g.settle(ctx, job, "ack", func(ctx context.Context) error {
		return g.next.Ack(ctx, job, keep)
	})
}

func (g *GuardedStore) Requeue(ctx context.Context, job *domain.Job, delay time.Duration, reason string) error {
	return g.settle(ctx, job, "requeue", func(ctx context.Context) error {
		return g.next.Requeue(ctx, job, delay, reason)
	})
}

func (g *GuardedStore) Fail(ctx context.Context, job *domain.Job, deadQueue, reason string, keep int) error {
	return g.settle(ctx, job, "fail", func(ctx context.Context) error {
		return g.next.Fail(ctx, job, deadQueue, reason, keep)
	})
}

func (g *GuardedStore) PushDeadLetter(ctx context.Context, queue string, entry domain.DeadLetter) error {
	return g.exec(ctx, queue, "push dead letter", func(ctx context.Context) error {
		return g.next.PushDeadLetter(ctx, queue, entry)
	})
}

func (g *GuardedStore) DeadLetters(ctx context.Context, queue string, limit int64) ([]domain.DeadLetter, error) {
	return guard(ctx, g, queue, "list dead letters", func(ctx context.Context) ([]domain.DeadLetter, error) {
		return g.next.DeadLetters(ctx, queue, limit)
	})
}

func (g *GuardedStore) PopDeadLetter(ctx context.Context, queue string) (domain.DeadLetter, error) {
	var empty bool
	dl, err := guard(ctx, g, queue, "pop dead letter", func(ctx context.Context) (domain.DeadLetter, error) {
		dl, err := g.next.PopDeadLetter(ctx, queue)
		if errors.Is(err, ErrNoDeadLetters) {
			empty = true
			return dl, nil
		}
		return dl, err
	})
	if err == nil && empty {
		return dl, ErrNoDeadLetters
	}
	return dl, err
}

func (g *GuardedStore) PromoteDelayed(ctx context.Context, queue string, limit int) (int, error) {
	return guard(ctx, g, queue, "promote delayed", func(ctx context.Context) (int, error) {
		return g.next.PromoteDelayed(ctx, queue, limit)
	})
}

func (g *GuardedStore) ReclaimStalled(ctx context.Context, queue, deadQueue string, maxStalled, limit int) (StalledResult, error) {
	return guard(ctx, g, queue, "reclaim stalled", func(ctx context.Context) (StalledResult, error) {
		return g.next.ReclaimStalled(ctx, queue, deadQueue, maxStalled, limit)
	})
}

func (g *GuardedStore) Counts(ctx context.Context, queue string) (domain.Counts, error) {
	return guard(ctx, g, queue, "counts", func(ctx context.Context) (domain.Counts, error) {
		return g.next.Counts(ctx, queue)
	})
}

func (g *GuardedStore) Ping(ctx context.Context) (time.Duration, error) {
	return g.next.Ping(ctx)
}
