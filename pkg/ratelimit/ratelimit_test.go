package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = nil
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

var errVenue = errors.New("venue 503")

func failOp(context.Context) error { return errVenue }
func okOp(context.Context) error   { return nil }

func TestBackoffFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Duration(0), BackoffFor(cfg, 0))
	assert.Equal(t, time.Duration(0), BackoffFor(cfg, 3))
	assert.Equal(t, 1000*time.Millisecond, BackoffFor(cfg, 4))
	assert.Equal(t, 2000*time.Millisecond, BackoffFor(cfg, 5))
	assert.Equal(t, 4000*time.Millisecond, BackoffFor(cfg, 6))
	assert.Equal(t, 5000*time.Millisecond, BackoffFor(cfg, 7))
	assert.Equal(t, 5000*time.Millisecond, BackoffFor(cfg, 100))
}

func TestExecute_BackoffAfterFourFailures(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.now, clk.sleep))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := l.Execute(ctx, "binance", failOp)
		require.ErrorIs(t, err, errVenue, "错误应原样返回")
	}
	require.Equal(t, 4, l.Snapshot("binance").ConsecutiveErrors)

	clk.reset()
	require.NoError(t, l.Execute(ctx, "binance", okOp))
	sleeps := clk.recorded()
	require.NotEmpty(t, sleeps)
	assert.GreaterOrEqual(t, sleeps[0], 500*time.Millisecond*2)

	// 任意一次成功都严格减少错误计数
	assert.Equal(t, 3, l.Snapshot("binance").ConsecutiveErrors)
}

func TestExecute_SuccessDecrementsAndRelaxesInterval(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.now, clk.sleep))
	ctx := context.Background()

	require.Error(t, l.Execute(ctx, "v", failOp))
	require.Error(t, l.Execute(ctx, "v", failOp))
	s := l.Snapshot("v")
	assert.Equal(t, 2, s.ConsecutiveErrors)
	assert.Equal(t, time.Duration(float64(time.Duration(float64(100*time.Millisecond)*1.3))*1.3), s.MinInterval)

	require.NoError(t, l.Execute(ctx, "v", okOp))
	assert.Equal(t, 1, l.Snapshot("v").ConsecutiveErrors)
	grown := l.Snapshot("v").MinInterval

	require.NoError(t, l.Execute(ctx, "v", okOp))
	s = l.Snapshot("v")
	assert.Equal(t, 0, s.ConsecutiveErrors)
	assert.Less(t, s.MinInterval, grown, "归零后间隔向基线放松")

	for i := 0; i < 200; i++ {
		require.NoError(t, l.Execute(ctx, "v", okOp))
	}
	assert.Equal(t, 100*time.Millisecond, l.Snapshot("v").MinInterval, "不低于基线")
}

func TestExecute_IntervalCapped(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.now, clk.sleep))
	for i := 0; i < 30; i++ {
		_ = l.Execute(context.Background(), "v", failOp)
	}
	s := l.Snapshot("v")
	assert.Equal(t, 2*time.Second, s.MinInterval)
	assert.Equal(t, 1, s.Concurrency, "并发上限收缩到 1 为止")
}

func TestExecute_ShrinksConcurrencyAfterTenErrors(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{MaxConcurrent: 5}, WithClock(clk.now, clk.sleep))
	for i := 0; i < 10; i++ {
		_ = l.Execute(context.Background(), "v", failOp)
	}
	assert.Equal(t, 5, l.Snapshot("v").Concurrency)
	_ = l.Execute(context.Background(), "v", failOp)
	assert.Equal(t, 4, l.Snapshot("v").Concurrency)
}

func TestExecute_EnforcesMinInterval(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{BaseInterval: 100 * time.Millisecond}, WithClock(clk.now, clk.sleep))
	ctx := context.Background()

	require.NoError(t, l.Execute(ctx, "v", okOp))
	clk.reset()
	require.NoError(t, l.Execute(ctx, "v", okOp))
	sleeps := clk.recorded()
	require.Len(t, sleeps, 1)
	assert.Equal(t, 100*time.Millisecond, sleeps[0])
}

func TestExecute_VenuesIsolated(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.now, clk.sleep))
	for i := 0; i < 6; i++ {
		_ = l.Execute(context.Background(), "slow", failOp)
	}
	clk.reset()
	require.NoError(t, l.Execute(context.Background(), "fast", okOp))
	assert.Empty(t, clk.recorded(), "其他 venue 的错误不影响本 venue")
	assert.Equal(t, 0, l.Snapshot("fast").ConsecutiveErrors)
}

func TestExecute_BoundedConcurrencyFIFO(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, BaseInterval: time.Nanosecond})
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Execute(ctx, "v", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Execute(ctx, "v", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// 等待进入队列，保证入队顺序
		require.Eventually(t, func() bool { return l.Snapshot("v").Queued == i+1 }, time.Second, time.Millisecond)
	}

	assert.Equal(t, 1, l.Snapshot("v").InFlight)
	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, l.Snapshot("v").InFlight)
}

func TestExecute_QueueWaitHonorsContext(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Execute(context.Background(), "v", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Execute(ctx, "v", okOp)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.Snapshot("v").Queued)
	close(release)
}

type recObserver struct {
	mu   sync.Mutex
	last Snapshot
	n    int
}

func (r *recObserver) OnVenueState(s Snapshot) {
	r.mu.Lock()
	r.last = s
	r.n++
	r.mu.Unlock()
}

func TestDo_ReturnsValueAndNotifies(t *testing.T) {
	obs := &recObserver{}
	clk := newFakeClock()
	l := New(Config{}, WithObserver(obs), WithClock(clk.now, clk.sleep))

	v, err := Do(context.Background(), l, "v", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Do(context.Background(), l, "v", func(context.Context) (int, error) { return 0, errVenue })
	assert.ErrorIs(t, err, errVenue)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.n)
	assert.Equal(t, 1, obs.last.ConsecutiveErrors)
}
