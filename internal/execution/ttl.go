package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

var ttlLog = logrus.WithField("component", "ttl_scheduler")

// TTL 检查结果
const (
	TTLCancelled    = "cancelled"     // 到期仍挂单，已撤销
	TTLAlreadyFinal = "already_final" // 到期时已成交/撤销
	TTLError        = "error"         // 查询或撤单失败（仅记录日志）
	TTLDismissed    = "dismissed"     // 到期前被取消（手动或订单提前终结）
)

// TTLTask 一个已调度的入场单过期检查
type TTLTask struct {
	ID       string    `json:"id"`
	Symbol   string    `json:"symbol"`
	OrderID  string    `json:"order_id"`
	ClientID string    `json:"client_id"`
	Deadline time.Time `json:"deadline"`

	timer *time.Timer
}

// TTLOrderOps TTL 检查所需的交易所能力
type TTLOrderOps interface {
	ports.OrderFetcher
	ports.OrderCanceler
}

// TTLScheduler 入场单 TTL 调度：到期后查询订单，仍挂单则撤销。
//
// 每个任务有 ID，可被显式取消；订单在到期前进入终态时（user stream 推送）
// 通过 OnOrderTerminal 主动取消定时器。失败只记日志，不影响同步下单结果。
type TTLScheduler struct {
	ops     TTLOrderOps
	limiter *ratelimit.Limiter
	venue   string
	timeout time.Duration

	mu      sync.Mutex
	tasks   map[string]*TTLTask
	byOrder map[string]string // orderID / clientID -> taskID
	stopped bool
	wg      sync.WaitGroup

	onOutcome func(task TTLTask, outcome string)
}

// NewTTLScheduler 创建调度器；timeout 为单次到期检查（查询 + 撤单）的超时
func NewTTLScheduler(ops TTLOrderOps, limiter *ratelimit.Limiter, venue string, timeout time.Duration) *TTLScheduler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TTLScheduler{
		ops:     ops,
		limiter: limiter,
		venue:   venue,
		timeout: timeout,
		tasks:   make(map[string]*TTLTask),
		byOrder: make(map[string]string),
	}
}

// OnOutcome 注册结果回调（指标统计）
func (s *TTLScheduler) OnOutcome(fn func(task TTLTask, outcome string)) {
	s.mu.Lock()
	s.onOutcome = fn
	s.mu.Unlock()
}

// Schedule 调度一次到期检查，返回任务 ID；调度器已停止时返回空串
func (s *TTLScheduler) Schedule(symbol, orderID, clientID string, ttl time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || ttl <= 0 {
		return ""
	}
	task := &TTLTask{
		ID:       "ttl-" + uuid.NewString(),
		Symbol:   symbol,
		OrderID:  orderID,
		ClientID: clientID,
		Deadline: time.Now().Add(ttl),
	}
	task.timer = time.AfterFunc(ttl, func() { s.fire(task.ID) })
	s.tasks[task.ID] = task
	if orderID != "" {
		s.byOrder[orderID] = task.ID
	}
	if clientID != "" {
		s.byOrder[clientID] = task.ID
	}

	ttlLog.WithFields(logrus.Fields{
		"task_id": task.ID, "symbol": symbol, "order_id": orderID, "ttl": ttl,
	}).Info("⏱️ 入场单 TTL 已调度")
	return task.ID
}

// Cancel 取消任务；任务不存在（已触发或已取消）返回 false
func (s *TTLScheduler) Cancel(taskID string) bool {
	task, ok := s.take(taskID)
	if !ok {
		return false
	}
	if task.timer != nil {
		task.timer.Stop()
	}
	s.report(*task, TTLDismissed)
	return true
}

// OnOrderTerminal 订单提前进入终态：取消对应的 TTL 定时器
func (s *TTLScheduler) OnOrderTerminal(orderOrClientID string) bool {
	s.mu.Lock()
	taskID, ok := s.byOrder[orderOrClientID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.Cancel(taskID)
}

// OnOrderUpdate 实现 ports.OrderUpdateHandler
func (s *TTLScheduler) OnOrderUpdate(_ context.Context, order *domain.OrderResult) {
	if order == nil || !order.Status.IsFinal() {
		return
	}
	if order.OrderID != "" && s.OnOrderTerminal(order.OrderID) {
		return
	}
	if order.ClientOrderID != "" {
		s.OnOrderTerminal(order.ClientOrderID)
	}
}

// Pending 列出尚未触发的任务
func (s *TTLScheduler) Pending() []TTLTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TTLTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		cp.timer = nil
		out = append(out, cp)
	}
	return out
}

// Stop 停止全部定时器并等待正在执行的检查结束
func (s *TTLScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := s.tasks
	s.tasks = make(map[string]*TTLTask)
	s.byOrder = make(map[string]string)
	s.mu.Unlock()

	for _, t := range tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	s.wg.Wait()
}

func (s *TTLScheduler) take(taskID string) (*TTLTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	delete(s.tasks, taskID)
	delete(s.byOrder, task.OrderID)
	delete(s.byOrder, task.ClientID)
	return task, true
}

func (s *TTLScheduler) fire(taskID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	task, ok := s.take(taskID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.report(*task, s.check(ctx, task))
}

func (s *TTLScheduler) check(ctx context.Context, task *TTLTask) string {
	fields := logrus.Fields{"task_id": task.ID, "symbol": task.Symbol, "order_id": task.OrderID}

	order, err := ratelimit.Do(ctx, s.limiter, s.venue, func(ctx context.Context) (*domain.OrderResult, error) {
		return s.ops.FetchOrder(ctx, task.Symbol, task.OrderID)
	})
	if err != nil {
		ttlLog.WithFields(fields).Errorf("TTL 到期查询订单失败: %v", err)
		return TTLError
	}
	if order == nil || !order.Status.IsOpen() {
		ttlLog.WithFields(fields).Info("TTL 到期，入场单已不在簿上")
		return TTLAlreadyFinal
	}

	err = s.limiter.Execute(ctx, s.venue, func(ctx context.Context) error {
		return s.ops.CancelOrder(ctx, task.Symbol, task.OrderID)
	})
	if err != nil {
		ttlLog.WithFields(fields).Errorf("TTL 到期撤单失败: %v", err)
		return TTLError
	}
	ttlLog.WithFields(fields).Info("✅ TTL 到期，已撤销未成交入场单")
	return TTLCancelled
}

func (s *TTLScheduler) report(task TTLTask, outcome string) {
	s.mu.Lock()
	fn := s.onOutcome
	s.mu.Unlock()
	if fn != nil {
		task.timer = nil
		fn(task, outcome)
	}
}
