package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrCircuitBreakerOpen 表示断路器已打开，禁止继续开仓。
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续下单失败上限（交易所/网络错误）。
	MaxConsecutiveErrors int64 `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`

	// DailyLossLimit 当日最大亏损（计价币，例如 USDT）。达到或超过时立即熔断。
	DailyLossLimit decimal.Decimal `yaml:"daily_loss_limit" json:"daily_loss_limit"`
}

// CircuitBreaker 快路径使用原子变量；当日 PnL 用 decimal，由互斥锁保护。
//
// 当日 PnL 由上层在记录交易结果时调用 AddPnL() 更新。
type CircuitBreaker struct {
	halted     atomic.Bool
	haltReason atomic.Value // string

	consecutiveErrors    atomic.Int64
	maxConsecutiveErrors atomic.Int64

	mu             sync.Mutex
	dailyPnL       decimal.Decimal
	dayKey         int // YYYYMMDD
	dailyLossLimit decimal.Decimal

	now func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{now: time.Now}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	cb.mu.Lock()
	cb.dailyLossLimit = cfg.DailyLossLimit
	cb.mu.Unlock()
}

// Halt 手动熔断（人工介入或回滚失败等严重异常）。
func (cb *CircuitBreaker) Halt(reason string) {
	if cb == nil {
		return
	}
	cb.haltReason.Store(reason)
	cb.halted.Store(true)
}

// Resume 手动恢复（会同时清空连续错误计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.haltReason.Store("")
	cb.consecutiveErrors.Store(0)
}

// Halted 是否处于熔断状态，以及原因
func (cb *CircuitBreaker) Halted() (bool, string) {
	if cb == nil || !cb.halted.Load() {
		return false, ""
	}
	reason, _ := cb.haltReason.Load().(string)
	return true, reason
}

// AllowTrading 快路径检查是否允许开仓。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}

	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}

	// 连续错误熔断
	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.Halt("too many consecutive order errors")
		return ErrCircuitBreakerOpen
	}

	// 当日亏损熔断（若启用）
	cb.mu.Lock()
	cb.rollDayLocked()
	breached := cb.dailyLossLimit.IsPositive() && cb.dailyPnL.LessThanOrEqual(cb.dailyLossLimit.Neg())
	cb.mu.Unlock()
	if breached {
		cb.Halt("daily loss limit reached")
		return ErrCircuitBreakerOpen
	}

	return nil
}

// OnSuccess 在一次下单成功后调用，用于清空连续错误计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 在一次下单失败后调用，用于累计连续错误计数。
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}

// AddPnL 增量更新当日 PnL。负数表示亏损。
func (cb *CircuitBreaker) AddPnL(delta decimal.Decimal) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.rollDayLocked()
	cb.dailyPnL = cb.dailyPnL.Add(delta)
	cb.mu.Unlock()
}

// DailyPnL 当日累计 PnL
func (cb *CircuitBreaker) DailyPnL() decimal.Decimal {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollDayLocked()
	return cb.dailyPnL
}

func (cb *CircuitBreaker) rollDayLocked() {
	// YYYYMMDD（本地时间即可；风控用途不要求跨时区精确）
	now := cb.now()
	key := now.Year()*10000 + int(now.Month())*100 + now.Day()
	if cb.dayKey == key {
		return
	}
	cb.dayKey = key
	cb.dailyPnL = decimal.Zero
}
