package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/domain"
)

type fakeWorker struct {
	name     string
	initErr  error
	closeErr error
	healthy  bool
	log      *[]string
	mu       *sync.Mutex

	active  atomic.Int64
	paused  atomic.Bool
	closed  atomic.Bool
	metrics Metrics
}

func newFakeWorker(name string, log *[]string, mu *sync.Mutex) *fakeWorker {
	return &fakeWorker{name: name, healthy: true, log: log, mu: mu}
}

func (w *fakeWorker) record(s string) {
	if w.log == nil {
		return
	}
	w.mu.Lock()
	*w.log = append(*w.log, s)
	w.mu.Unlock()
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Initialize(context.Context) error {
	w.record("init " + w.name)
	return w.initErr
}

func (w *fakeWorker) Pause()  { w.paused.Store(true) }
func (w *fakeWorker) Resume() { w.paused.Store(false) }

func (w *fakeWorker) Close() error {
	w.closed.Store(true)
	w.record("close " + w.name)
	return w.closeErr
}

func (w *fakeWorker) Health() Health {
	return Health{Name: w.name, Healthy: w.healthy, IsRunning: !w.closed.Load(), IsPaused: w.paused.Load(), Metrics: w.metrics}
}

func (w *fakeWorker) Active() int64 { return w.active.Load() }

type fakeDB struct {
	connectErr error
	pingErr    error
	log        *[]string
	mu         *sync.Mutex
	connected  atomic.Bool
}

func (d *fakeDB) Connect(context.Context) error {
	d.mu.Lock()
	*d.log = append(*d.log, "connect db")
	d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected.Store(true)
	return nil
}

func (d *fakeDB) Disconnect(context.Context) error {
	d.connected.Store(false)
	return nil
}

func (d *fakeDB) Ping(context.Context) error { return d.pingErr }

type fakeQueue struct{ err error }

func (q fakeQueue) Ping(context.Context) (time.Duration, error) { return 2 * time.Millisecond, q.err }

func TestStartOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		steps []string
	)
	db := &fakeDB{log: &steps, mu: &mu}
	o := NewOrchestrator(Options{DataStore: db, Logger: zap.NewNop()})
	o.AddInitializer("cache", func(context.Context) error {
		mu.Lock()
		steps = append(steps, "init cache")
		mu.Unlock()
		return nil
	})
	o.Register(newFakeWorker("email", &steps, &mu), newFakeWorker("audit", &steps, &mu))

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, []string{"connect db", "init cache", "init email", "init audit"}, steps)
	assert.True(t, db.connected.Load())
}

func TestStartAbortsOnFirstFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		steps []string
	)
	o := NewOrchestrator(Options{})
	o.AddInitializer("migrations", func(context.Context) error { return errors.New("locked") })
	o.Register(newFakeWorker("email", &steps, &mu))

	err := o.Start(context.Background())
	assert.ErrorContains(t, err, "initializer migrations: locked")
	assert.Empty(t, steps, "no worker initializes after a failed initializer")

	db := &fakeDB{connectErr: errors.New("refused"), log: &steps, mu: &mu}
	o = NewOrchestrator(Options{DataStore: db})
	assert.ErrorContains(t, o.Start(context.Background()), "connect data store: refused")
}

func TestStopWaitsForActiveJobs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	db := &fakeDB{log: new([]string), mu: &sync.Mutex{}}
	o := NewOrchestrator(Options{Logger: zap.New(core), DataStore: db, PollInterval: 5 * time.Millisecond})
	w := newFakeWorker("email", nil, nil)
	w.active.Store(2)
	o.Register(w)
	require.NoError(t, o.Start(context.Background()))

	go func() {
		time.Sleep(30 * time.Millisecond)
		w.active.Store(0)
	}()

	start := time.Now()
	require.NoError(t, o.Stop(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, w.paused.Load(), "workers are drained before waiting")
	assert.True(t, w.closed.Load())
	assert.False(t, db.connected.Load())
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestStopTimeoutAbandonsJobs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	o := NewOrchestrator(Options{Logger: zap.New(core), PollInterval: 5 * time.Millisecond})
	w := newFakeWorker("email", nil, nil)
	w.active.Store(1)
	o.Register(w)

	require.NoError(t, o.Stop(context.Background(), 30*time.Millisecond))
	assert.True(t, w.closed.Load())

	warns := logs.FilterMessage("abandoning active jobs").All()
	require.Len(t, warns, 1)
	assert.Equal(t, domain.ErrShutdownTimeout.Error(), warns[0].ContextMap()["error"])
	assert.EqualValues(t, 1, warns[0].ContextMap()["active"])
}

func TestStopCombinesCloseErrors(t *testing.T) {
	a := newFakeWorker("a", nil, nil)
	a.closeErr = errors.New("a broke")
	b := newFakeWorker("b", nil, nil)
	c := newFakeWorker("c", nil, nil)
	c.closeErr = errors.New("c broke")

	o := NewOrchestrator(Options{})
	o.Register(a, b, c)
	err := o.Stop(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorContains(t, err, "close worker a: a broke")
	assert.ErrorContains(t, err, "close worker c: c broke")
	assert.True(t, b.closed.Load(), "one failing close does not skip the rest")
}

func TestDrainAndUndrain(t *testing.T) {
	w1, w2 := newFakeWorker("a", nil, nil), newFakeWorker("b", nil, nil)
	o := NewOrchestrator(Options{})
	o.Register(w1, w2)

	o.Drain()
	assert.True(t, w1.paused.Load())
	assert.True(t, w2.paused.Load())

	o.Undrain()
	assert.False(t, w1.paused.Load())
	assert.False(t, w2.paused.Load())
}

func TestHandleSignalsStopsAndExits(t *testing.T) {
	codes := make(chan int, 1)
	o := NewOrchestrator(Options{Exit: func(code int) { codes <- code }})
	w := newFakeWorker("email", nil, nil)
	o.Register(w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.HandleSignals(ctx, time.Second)
	assert.Equal(t, 0, <-codes)
	assert.True(t, w.closed.Load())

	bad := newFakeWorker("bad", nil, nil)
	bad.closeErr = errors.New("stuck")
	o = NewOrchestrator(Options{Exit: func(code int) { codes <- code }})
	o.Register(bad)
	o.HandleSignals(ctx, time.Second)
	assert.Equal(t, 1, <-codes)
}

func TestHealthIsConjunction(t *testing.T) {
	w := newFakeWorker("email", nil, nil)
	db := &fakeDB{log: new([]string), mu: &sync.Mutex{}}
	o := NewOrchestrator(Options{DataStore: db, Queue: fakeQueue{}})
	o.Register(w)

	h := o.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.True(t, h.Database.Configured)
	assert.True(t, h.Queue.Healthy)
	assert.Equal(t, 2.0, h.Queue.LatencyMs)
	require.Len(t, h.Processors, 1)

	db.pingErr = errors.New("db down")
	h = o.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, "db down", h.Database.Error)

	db.pingErr = nil
	w.healthy = false
	assert.False(t, o.Health(context.Background()).Healthy)

	w.healthy = true
	o = NewOrchestrator(Options{Queue: fakeQueue{err: errors.New("redis down")}})
	h = o.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.False(t, h.Database.Configured)
}

func TestHealthReportsBreakersWithoutGating(t *testing.T) {
	cb, err := breaker.New(breaker.Options{Name: "queue", VolumeThreshold: 1})
	require.NoError(t, err)
	t.Cleanup(cb.Close)

	core, logs := observer.New(zapcore.InfoLevel)
	o := NewOrchestrator(Options{Logger: zap.New(core), Queue: fakeQueue{}})
	o.WatchBreakers(cb)

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, breaker.Open, cb.State())

	h := o.Health(context.Background())
	assert.True(t, h.Healthy, "an open breaker alone does not fail health")
	require.Len(t, h.Breakers, 1)
	assert.Equal(t, breaker.Open, h.Breakers[0].State)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("circuit opened").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMetricsAggregates(t *testing.T) {
	a := newFakeWorker("a", nil, nil)
	a.metrics = Metrics{Queue: "a", Processed: 3, Completed: 3, AverageProcessingTime: 10}
	b := newFakeWorker("b", nil, nil)
	b.metrics = Metrics{Queue: "b", Processed: 1, Failed: 1, Retried: 0, Active: 2, AverageProcessingTime: 30}

	o := NewOrchestrator(Options{})
	o.Register(a, b)
	m := o.Metrics()

	require.Len(t, m.Processors, 2)
	assert.EqualValues(t, 4, m.Totals.Processed)
	assert.EqualValues(t, 3, m.Totals.Completed)
	assert.EqualValues(t, 1, m.Totals.Failed)
	assert.EqualValues(t, 2, m.Totals.Active)
	assert.Equal(t, 0.75, m.Totals.SuccessRate)
	assert.Equal(t, 15.0, m.Totals.AverageProcessingTime)
}
