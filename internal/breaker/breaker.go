package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SirClappington/authq/internal/domain"
)

var (
	ErrOpen    = errors.New("circuit breaker is open")
	ErrTimeout = errors.New("circuit breaker call timed out")
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

type Options struct {
	Name                  string
	Timeout               time.Duration
	ErrorThresholdPercent int
	ResetTimeout          time.Duration
	RollingWindow         time.Duration
	RollingBuckets        int
	VolumeThreshold       int
	// Now is the clock used for the rolling window and reset timer.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 3 * time.Second
	}
	if o.ErrorThresholdPercent == 0 {
		o.ErrorThresholdPercent = 50
	}
	if o.ResetTimeout == 0 {
		o.ResetTimeout = 30 * time.Second
	}
	if o.RollingWindow == 0 {
		o.RollingWindow = 10 * time.Second
	}
	if o.RollingBuckets == 0 {
		o.RollingBuckets = 10
	}
	if o.VolumeThreshold == 0 {
		o.VolumeThreshold = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o Options) validate() error {
	switch {
	case o.Name == "":
		return domain.NewConfigurationError("breaker", "name is required")
	case o.Timeout < 0, o.ResetTimeout < 0, o.RollingWindow < 0:
		return domain.NewConfigurationError("breaker", "durations must be positive")
	case o.ErrorThresholdPercent < 0 || o.ErrorThresholdPercent > 100:
		return domain.NewConfigurationError("breaker", "error threshold must be within 1..100")
	case o.RollingBuckets < 0 || o.VolumeThreshold < 0:
		return domain.NewConfigurationError("breaker", "buckets and volume threshold must be positive")
	case o.RollingWindow/time.Duration(o.RollingBuckets) <= 0:
		return domain.NewConfigurationError("breaker", "rolling window too small for bucket count")
	}
	return nil
}

type Stats struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Fires     int       `json:"fires"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	Timeouts  int       `json:"timeouts"`
	Rejects   int       `json:"rejects"`
	OpenedAt  time.Time `json:"openedAt,omitempty"`
}

type bucket struct {
	slot      int64
	successes int
	failures  int
	timeouts  int
	rejects   int
}

// Breaker guards one remote resource. It is safe for concurrent use.
type Breaker struct {
	opts      Options
	bucketDur time.Duration

	mu       sync.Mutex
	state    State
	openedAt time.Time
	probing  bool
	buckets  []bucket

	obs *observers
}

func New(opts Options) (*Breaker, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Breaker{
		opts:      opts,
		bucketDur: opts.RollingWindow / time.Duration(opts.RollingBuckets),
		state:     Closed,
		buckets:   make([]bucket, opts.RollingBuckets),
		obs:       newObservers(opts.Name),
	}, nil
}

func (b *Breaker) Name() string { return b.opts.Name }

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	v   T
	err error
}

// Do runs fn through b, bounding it by the breaker timeout. A result that
// arrives after the timeout is dropped.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.acquire()
	if err != nil {
		return zero, err
	}

	start := b.opts.Now()
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		ch <- result[T]{v: v, err: err}
	}()

	timer := time.NewTimer(b.opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		latency := b.opts.Now().Sub(start)
		if r.err == nil {
			b.onSuccess(probe, latency)
			return r.v, nil
		}
		if ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
			b.release(probe)
			return zero, r.err
		}
		if ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
			b.onFailure(probe, EventTimeout, ErrTimeout, latency)
			return zero, fmt.Errorf("%s: %w", b.opts.Name, ErrTimeout)
		}
		b.onFailure(probe, EventFailure, r.err, latency)
		return zero, r.err
	case <-timer.C:
		b.onFailure(probe, EventTimeout, ErrTimeout, b.opts.Timeout)
		return zero, fmt.Errorf("%s: %w", b.opts.Name, ErrTimeout)
	case <-ctx.Done():
		b.release(probe)
		return zero, ctx.Err()
	}
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.advance(now)

	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if !b.probing {
			b.probing = true
			return true, nil
		}
	}
	b.current(now).rejects++
	b.obs.emit(Event{Type: EventReject, Err: ErrOpen, At: now})
	return false, fmt.Errorf("%s: %w", b.opts.Name, ErrOpen)
}

// advance moves open to half-open once the reset timeout elapsed. Callers
// hold b.mu.
func (b *Breaker) advance(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.opts.ResetTimeout {
		b.state = HalfOpen
		b.probing = false
		b.obs.emit(Event{Type: EventHalfOpen, At: now})
	}
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) onSuccess(probe bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.obs.emit(Event{Type: EventSuccess, Latency: latency, At: now})
	if probe {
		b.probing = false
		if b.state == HalfOpen {
			b.state = Closed
			b.reset()
			b.obs.emit(Event{Type: EventClose, At: now})
			return
		}
	}
	b.current(now).successes++
}

func (b *Breaker) onFailure(probe bool, kind EventType, err error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.obs.emit(Event{Type: kind, Err: err, Latency: latency, At: now})

	c := b.current(now)
	if kind == EventTimeout {
		c.timeouts++
	} else {
		c.failures++
	}

	if probe {
		b.probing = false
		if b.state == HalfOpen {
			b.trip(now)
		}
		return
	}
	if b.state != Closed {
		return
	}
	s := b.sum(now)
	fires := s.successes + s.failures + s.timeouts
	failed := s.failures + s.timeouts
	if fires >= b.opts.VolumeThreshold && failed*100 >= b.opts.ErrorThresholdPercent*fires {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.obs.emit(Event{Type: EventOpen, At: now})
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

func (b *Breaker) current(now time.Time) *bucket {
	slot := now.UnixNano() / int64(b.bucketDur)
	bk := &b.buckets[slot%int64(len(b.buckets))]
	if bk.slot != slot {
		*bk = bucket{slot: slot}
	}
	return bk
}

func (b *Breaker) sum(now time.Time) bucket {
	slot := now.UnixNano() / int64(b.bucketDur)
	oldest := slot - int64(len(b.buckets)) + 1
	var s bucket
	for _, bk := range b.buckets {
		if bk.slot < oldest || bk.slot > slot {
			continue
		}
		s.successes += bk.successes
		s.failures += bk.failures
		s.timeouts += bk.timeouts
		s.rejects += bk.rejects
	}
	return s
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.opts.Now())
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Now()
	b.advance(now)
	s := b.sum(now)
	return Stats{
		Name:      b.opts.Name,
		State:     b.state,
		Fires:     s.successes + s.failures + s.timeouts,
		Successes: s.successes,
		Failures:  s.failures,
		Timeouts:  s.timeouts,
		Rejects:   s.rejects,
		OpenedAt:  b.openedAt,
	}
}

// Subscribe registers fn for breaker events. Delivery is asynchronous and
// lossy under backpressure; fn must not call back into the breaker's
// Subscribe.
func (b *Breaker) Subscribe(fn func(Event)) {
	b.obs.add(fn)
}

// Close stops event delivery.
func (b *Breaker) Close() {
	b.obs.close()
}
