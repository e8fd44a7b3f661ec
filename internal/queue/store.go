package queue

import (
	"context"
	"errors"
	"time"

	"github.com/SirClappington/authq/internal/domain"
)

var (
	// ErrLockMismatch means the job's lock is no longer held by the caller,
	// usually because it was reclaimed as stalled.
	ErrLockMismatch  = errors.New("job lock is not owned by caller")
	ErrNoDeadLetters = errors.New("dead-letter queue is empty")
)

type StalledResult struct {
	Requeued []string
	Failed   []string
}

// Store is the durable queue contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Enqueue admits job. When job.ID names a job that already exists, or
	// job.DedupID matches a job that is still waiting, delayed or active,
	// nothing is written and the existing job id is returned with
	// created=false.
	Enqueue(ctx context.Context, job *domain.Job) (id string, created bool, err error)
	// Dequeue promotes due delayed jobs, then locks and returns the next
	// waiting job, or nil when there is none.
	Dequeue(ctx context.Context, queue string, lock time.Duration) (*domain.Job, error)
	ExtendLock(ctx context.Context, job *domain.Job, lock time.Duration) error
	Ack(ctx context.Context, job *domain.Job, keep int) error
	// Requeue records a failed attempt and makes the job eligible again
	// after delay.
	Requeue(ctx context.Context, job *domain.Job, delay time.Duration, reason string) error
	// Fail records the final failed attempt, moves the job to the failed
	// set and, when deadQueue is set, adds its dead-letter entry in the same
	// step.
	Fail(ctx context.Context, job *domain.Job, deadQueue, reason string, keep int) error
	PushDeadLetter(ctx context.Context, queue string, entry domain.DeadLetter) error
	DeadLetters(ctx context.Context, queue string, limit int64) ([]domain.DeadLetter, error)
	PopDeadLetter(ctx context.Context, queue string) (domain.DeadLetter, error)
	PromoteDelayed(ctx context.Context, queue string, limit int) (int, error)
	// ReclaimStalled requeues jobs whose lock expired. Jobs that stalled more
	// than maxStalled times fail and are dead-lettered to deadQueue.
	ReclaimStalled(ctx context.Context, queue, deadQueue string, maxStalled, limit int) (StalledResult, error)
	Counts(ctx context.Context, queue string) (domain.Counts, error)
	Ping(ctx context.Context) (time.Duration, error)
}
