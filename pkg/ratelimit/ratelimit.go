package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/pkg/logger"
)

// Config 自适应限流参数（零值字段使用默认值）
type Config struct {
	MaxConcurrent int           // 每个 venue 同时在途请求上限，默认 5
	BaseInterval  time.Duration // 最小调用间隔基线，默认 100ms
	MaxInterval   time.Duration // 间隔上限，默认 2s
	BackoffBase   time.Duration // 退避基数，默认 500ms
	BackoffMax    time.Duration // 退避上限，默认 5s
	BackoffAfter  int           // 连续错误超过该值开始退避，默认 3
	ShrinkAfter   int           // 连续错误超过该值收缩并发，默认 10
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		BaseInterval:  100 * time.Millisecond,
		MaxInterval:   2 * time.Second,
		BackoffBase:   500 * time.Millisecond,
		BackoffMax:    5 * time.Second,
		BackoffAfter:  3,
		ShrinkAfter:   10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = def.BaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.BackoffAfter <= 0 {
		c.BackoffAfter = def.BackoffAfter
	}
	if c.ShrinkAfter <= 0 {
		c.ShrinkAfter = def.ShrinkAfter
	}
	return c
}

// Snapshot venue 当前状态（观测用）
type Snapshot struct {
	Venue             string
	Concurrency       int
	InFlight          int
	Queued            int
	ConsecutiveErrors int
	MinInterval       time.Duration
	LastCall          time.Time
}

// Observer 状态变化回调（例如导出 Prometheus 指标）
type Observer interface {
	OnVenueState(s Snapshot)
}

// Option 构造选项
type Option func(*Limiter)

// WithObserver 注册状态观察者
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// WithClock 替换时钟与等待函数（测试注入）
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// Limiter 按 venue 隔离的自适应限流器：
// 有界并发（FIFO 排队）+ 最小调用间隔 + 连续错误指数退避。
// 不做任何自动重试，错误原样返回给调用方。
type Limiter struct {
	cfg      Config
	observer Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	venues map[string]*venueState
}

// New 创建限流器
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		sleep:  sleepCtx,
		venues: make(map[string]*venueState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type venueState struct {
	name string

	mu       sync.Mutex
	limit    int
	inFlight int
	waiters  *list.List // of chan struct{}
	errors   int
	interval time.Duration
	lastCall time.Time
}

func (l *Limiter) venue(name string) *venueState {
	l.mu.RLock()
	vs, ok := l.venues[name]
	l.mu.RUnlock()
	if ok {
		return vs
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if vs, ok = l.venues[name]; ok {
		return vs
	}
	vs = &venueState{
		name:     name,
		limit:    l.cfg.MaxConcurrent,
		waiters:  list.New(),
		interval: l.cfg.BaseInterval,
	}
	l.venues[name] = vs
	return vs
}

// Execute 在 venue 的限流保护下执行 op。
//
// 顺序：排队获取并发槽位 -> 连续错误退避 -> 最小间隔 -> 执行。
// 所有等待都可被 ctx 取消；op 一旦开始执行则运行到结束。
func (l *Limiter) Execute(ctx context.Context, venue string, op func(ctx context.Context) error) error {
	vs := l.venue(venue)
	if err := vs.acquire(ctx); err != nil {
		return err
	}
	defer func() {
		vs.release()
		l.notify(vs)
	}()

	if d := l.backoffDelay(vs); d > 0 {
		logger.WithFields(logrus.Fields{"venue": venue, "delay": d}).Warn("[ratelimit] 连续错误，退避等待")
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}

	if d := l.intervalWait(vs); d > 0 {
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}

	err := op(ctx)
	l.record(vs, err)
	return err
}

// Do 带返回值的 Execute 便捷封装
func Do[T any](ctx context.Context, l *Limiter, venue string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, venue, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoffDelay errors > BackoffAfter 时：min(BackoffMax, BackoffBase * 2^(errors-BackoffAfter))
func (l *Limiter) backoffDelay(vs *venueState) time.Duration {
	vs.mu.Lock()
	errs := vs.errors
	vs.mu.Unlock()
	return BackoffFor(l.cfg, errs)
}

// BackoffFor 计算给定连续错误数对应的退避时长
func BackoffFor(cfg Config, consecutiveErrors int) time.Duration {
	cfg = cfg.withDefaults()
	n := consecutiveErrors - cfg.BackoffAfter
	if n <= 0 {
		return 0
	}
	if n > 30 {
		return cfg.BackoffMax
	}
	d := cfg.BackoffBase * time.Duration(1<<n)
	if d > cfg.BackoffMax || d <= 0 {
		return cfg.BackoffMax
	}
	return d
}

func (l *Limiter) intervalWait(vs *venueState) time.Duration {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.lastCall.IsZero() {
		return 0
	}
	return vs.lastCall.Add(vs.interval).Sub(l.now())
}

func (l *Limiter) record(vs *venueState, err error) {
	vs.mu.Lock()
	vs.lastCall = l.now()
	if err == nil {
		if vs.errors > 0 {
			vs.errors--
		}
		if vs.errors == 0 {
			next := time.Duration(float64(vs.interval) * 0.95)
			if next < l.cfg.BaseInterval {
				next = l.cfg.BaseInterval
			}
			vs.interval = next
			if vs.limit < l.cfg.MaxConcurrent {
				vs.limit++
				vs.grantLocked()
			}
		}
		vs.mu.Unlock()
		return
	}

	vs.errors++
	next := time.Duration(float64(vs.interval) * 1.3)
	if next > l.cfg.MaxInterval {
		next = l.cfg.MaxInterval
	}
	vs.interval = next
	shrunk := false
	if vs.errors > l.cfg.ShrinkAfter && vs.limit > 1 {
		vs.limit--
		shrunk = true
	}
	errs, limit := vs.errors, vs.limit
	vs.mu.Unlock()

	if shrunk {
		logger.WithFields(logrus.Fields{"venue": vs.name, "errors": errs, "concurrency": limit}).
			Warn("[ratelimit] 错误过多，收缩并发上限")
	}
}

func (vs *venueState) acquire(ctx context.Context) error {
	vs.mu.Lock()
	if vs.inFlight < vs.limit && vs.waiters.Len() == 0 {
		vs.inFlight++
		vs.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := vs.waiters.PushBack(ch)
	vs.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		vs.mu.Lock()
		select {
		case <-ch:
			// 已被授予槽位，归还给下一个等待者
			vs.inFlight--
			vs.grantLocked()
		default:
			vs.waiters.Remove(elem)
		}
		vs.mu.Unlock()
		return ctx.Err()
	}
}

func (vs *venueState) release() {
	vs.mu.Lock()
	vs.inFlight--
	vs.grantLocked()
	vs.mu.Unlock()
}

// grantLocked FIFO 唤醒等待者，调用方须持有 vs.mu
func (vs *venueState) grantLocked() {
	for vs.inFlight < vs.limit && vs.waiters.Len() > 0 {
		front := vs.waiters.Front()
		vs.waiters.Remove(front)
		vs.inFlight++
		close(front.Value.(chan struct{}))
	}
}

func (vs *venueState) snapshot() Snapshot {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return Snapshot{
		Venue:             vs.name,
		Concurrency:       vs.limit,
		InFlight:          vs.inFlight,
		Queued:            vs.waiters.Len(),
		ConsecutiveErrors: vs.errors,
		MinInterval:       vs.interval,
		LastCall:          vs.lastCall,
	}
}

func (l *Limiter) notify(vs *venueState) {
	if l.observer == nil {
		return
	}
	l.observer.OnVenueState(vs.snapshot())
}

// Snapshot 获取 venue 当前状态（未使用过的 venue 返回初始状态）
func (l *Limiter) Snapshot(venue string) Snapshot {
	return l.venue(venue).snapshot()
}

// Venues 列出已使用过的 venue
func (l *Limiter) Venues() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.venues))
	for name := range l.venues {
		out = append(out, name)
	}
	return out
}
