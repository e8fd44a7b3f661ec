package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/telemetry"
)

// Leader reports whether this process currently holds maintenance
// leadership.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

type MaintainerOptions struct {
	Queues []string
	// DeadLetterQueues maps a queue to the queue its stalled failures are
	// dead-lettered to. Unmapped queues dead-letter to themselves.
	DeadLetterQueues map[string]string
	Interval        time.Duration
	Batch           int
	MaxStalledCount int
	Leader          Leader
	Logger          *zap.Logger
	Instruments     *telemetry.Instruments
}

// Maintainer promotes due delayed jobs and reclaims stalled ones for
// queues that have no processor running alongside.
type Maintainer struct {
	store Store
	opts  MaintainerOptions
	log   *zap.Logger
	inst  *telemetry.Instruments
}

func NewMaintainer(store Store, opts MaintainerOptions) *Maintainer {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = promoteBatch
	}
	return &Maintainer{
		store: store,
		opts:  opts,
		log:   logging.OrNop(opts.Logger).Named("maintainer"),
		inst:  telemetry.OrNoop(opts.Instruments),
	}
}

// Run ticks until ctx is done. Ticks where leadership is not held are
// skipped.
func (m *Maintainer) Run(ctx context.Context) error {
	tick := time.NewTicker(m.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if m.opts.Leader != nil {
			ok, err := m.opts.Leader.TryLead(ctx)
			if err != nil {
				m.log.Warn("leader election failed", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}
		if err := m.RunOnce(ctx); err != nil {
			m.log.Warn("maintenance pass failed", zap.Error(err))
		}
	}
}

func (m *Maintainer) RunOnce(ctx context.Context) error {
	var errs error
	for _, q := range m.opts.Queues {
		n, err := m.store.PromoteDelayed(ctx, q, m.opts.Batch)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if n > 0 {
			m.log.Debug("promoted delayed jobs", zap.String("queue", q), zap.Int("count", n))
		}

		dlq := m.opts.DeadLetterQueues[q]
		if dlq == "" {
			dlq = q
		}
		res, err := m.store.ReclaimStalled(ctx, q, dlq, m.opts.MaxStalledCount, m.opts.Batch)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if total := len(res.Requeued) + len(res.Failed); total > 0 {
			m.inst.JobsStalled.Add(ctx, int64(total), metric.WithAttributes(attribute.String("queue", q)))
			m.log.Warn("reclaimed stalled jobs",
				zap.String("queue", q),
				zap.Strings("requeued", res.Requeued),
				zap.Strings("failed", res.Failed),
				zap.String("dead_letter_queue", dlq),
			)
		}
	}
	return errs
}
