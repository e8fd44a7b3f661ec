package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
)

const instrumentationName = "github.com/SirClappington/authq"

type Instruments struct {
	JobsEnqueued     metric.Int64Counter
	JobsActive       metric.Int64UpDownCounter
	JobDuration      metric.Float64Histogram
	JobsCompleted    metric.Int64Counter
	JobsFailed       metric.Int64Counter
	JobsRetried      metric.Int64Counter
	JobsDeadLettered metric.Int64Counter
	JobsStalled      metric.Int64Counter
	BreakerEvents    metric.Int64Counter
	DispatchSends    metric.Int64Counter
}

func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	m := mp.Meter(instrumentationName)
	var (
		in   Instruments
		err  error
		errs error
	)

	in.JobsEnqueued, err = m.Int64Counter("queue.jobs.enqueued", metric.WithDescription("Enqueue attempts by outcome"))
	errs = multierr.Append(errs, err)
	in.JobsActive, err = m.Int64UpDownCounter("queue.jobs.active", metric.WithDescription("Jobs currently executing"))
	errs = multierr.Append(errs, err)
	in.JobDuration, err = m.Float64Histogram("queue.job.duration", metric.WithUnit("s"))
	errs = multierr.Append(errs, err)
	in.JobsCompleted, err = m.Int64Counter("queue.jobs.completed")
	errs = multierr.Append(errs, err)
	in.JobsFailed, err = m.Int64Counter("queue.jobs.failed", metric.WithDescription("Jobs that exhausted their attempts"))
	errs = multierr.Append(errs, err)
	in.JobsRetried, err = m.Int64Counter("queue.jobs.retried")
	errs = multierr.Append(errs, err)
	in.JobsDeadLettered, err = m.Int64Counter("queue.jobs.dead_lettered")
	errs = multierr.Append(errs, err)
	in.JobsStalled, err = m.Int64Counter("queue.jobs.stalled")
	errs = multierr.Append(errs, err)
	in.BreakerEvents, err = m.Int64Counter("breaker.events")
	errs = multierr.Append(errs, err)
	in.DispatchSends, err = m.Int64Counter("dispatch.sends")
	errs = multierr.Append(errs, err)

	if errs != nil {
		return nil, errs
	}
	return &in, nil
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	in, _ := NewInstruments(noop.NewMeterProvider())
	return in
}

func OrNoop(in *Instruments) *Instruments {
	if in == nil {
		return Noop()
	}
	return in
}
