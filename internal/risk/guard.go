// Package risk 品种白名单与按品种熔断。
package risk

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/persistence"
)

var guardLog = logrus.WithField("component", "risk_guard")

// DefaultSymbols 默认白名单
var DefaultSymbols = []string{"BTCUSDT", "ETHUSDT"}

// Guard 白名单是策略边界，不是技术限制：名单外的品种在任何网络交互前被拒绝。
// 每个品种一个断路器，回滚失败（存在无保护仓位）时熔断直至人工恢复。
type Guard struct {
	allowed map[string]struct{}
	cfg     CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	// 熔断状态落盘：重启后仍保持暂停，直到人工 Resume
	state persistence.Store
}

// GuardOption 构造选项
type GuardOption func(*Guard)

// WithStateStore 持久化暂停状态（品种 -> 原因）
func WithStateStore(st persistence.Store) GuardOption {
	return func(g *Guard) { g.state = st }
}

// NewGuard 创建风控守卫；symbols 为空时使用 DefaultSymbols
func NewGuard(symbols []string, cfg CircuitBreakerConfig, opts ...GuardOption) *Guard {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	g := &Guard{
		allowed:  make(map[string]struct{}, len(symbols)),
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		g.allowed[s] = struct{}{}
		g.breakers[s] = NewCircuitBreaker(cfg)
	}
	for _, opt := range opts {
		opt(g)
	}
	g.restore()
	return g
}

func (g *Guard) restore() {
	if g.state == nil {
		return
	}
	var halts map[string]string
	if err := g.state.Load(&halts); err != nil {
		if !errors.Is(err, persistence.ErrNotExists) {
			guardLog.Errorf("读取熔断状态失败: %v", err)
		}
		return
	}
	for symbol, reason := range halts {
		if cb := g.breaker(symbol); cb != nil {
			cb.Halt(reason)
			guardLog.WithFields(logrus.Fields{"symbol": symbol, "reason": reason}).Warn("🛑 恢复上次的暂停状态")
		}
	}
}

// persist 保存当前所有暂停的品种
func (g *Guard) persist() {
	if g.state == nil {
		return
	}
	halts := make(map[string]string)
	for _, s := range g.Symbols() {
		if halted, reason := g.breaker(s).Halted(); halted {
			halts[s] = reason
		}
	}
	if err := g.state.Save(halts); err != nil {
		guardLog.Errorf("保存熔断状态失败: %v", err)
	}
}

// NormalizeSymbol 统一品种写法：BTC/USDT:USDT、btcusdt -> BTCUSDT
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "/", "")
}

// Symbols 白名单（排序）
func (g *Guard) Symbols() []string {
	out := make([]string, 0, len(g.allowed))
	for s := range g.allowed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CheckSymbol 白名单检查
func (g *Guard) CheckSymbol(op, symbol string) error {
	if _, ok := g.allowed[NormalizeSymbol(symbol)]; !ok {
		return domain.Errorf(domain.KindSymbolNotAllowed, op, symbol, "allowed: %s", strings.Join(g.Symbols(), ", "))
	}
	return nil
}

// AllowOpen 白名单 + 熔断检查（开新仓前调用）
func (g *Guard) AllowOpen(op, symbol string) error {
	if err := g.CheckSymbol(op, symbol); err != nil {
		return err
	}
	cb := g.breaker(symbol)
	if err := cb.AllowTrading(); err != nil {
		_, reason := cb.Halted()
		return domain.Errorf(domain.KindTradingHalted, op, symbol, "%s", reason)
	}
	return nil
}

// OnBracketResult 根据下单结果更新断路器：回滚失败立即熔断
func (g *Guard) OnBracketResult(symbol string, rollbackFailed, venueError bool) {
	cb := g.breaker(symbol)
	if cb == nil {
		return
	}
	switch {
	case rollbackFailed:
		cb.OnError()
		cb.Halt("rollback failure: position may be unprotected")
		g.persist()
		guardLog.WithField("symbol", symbol).Error("🛑 回滚失败，已暂停该品种开仓，人工核对后调用 Resume")
	case venueError:
		cb.OnError()
	default:
		cb.OnSuccess()
	}
}

// AddPnL 记录已实现盈亏（交易计划写入结果时调用）
func (g *Guard) AddPnL(symbol string, pnl decimal.Decimal) {
	if cb := g.breaker(symbol); cb != nil {
		cb.AddPnL(pnl)
	}
}

// Halt 手动暂停
func (g *Guard) Halt(symbol, reason string) error {
	if err := g.CheckSymbol("halt", symbol); err != nil {
		return err
	}
	g.breaker(symbol).Halt(reason)
	g.persist()
	guardLog.WithFields(logrus.Fields{"symbol": symbol, "reason": reason}).Warn("品种已暂停")
	return nil
}

// Resume 人工恢复
func (g *Guard) Resume(symbol string) error {
	if err := g.CheckSymbol("resume", symbol); err != nil {
		return err
	}
	g.breaker(symbol).Resume()
	g.persist()
	guardLog.WithField("symbol", symbol).Info("品种已恢复")
	return nil
}

// HaltStatus 品种熔断状态
type HaltStatus struct {
	Symbol   string          `json:"symbol"`
	Halted   bool            `json:"halted"`
	Reason   string          `json:"reason,omitempty"`
	DailyPnL decimal.Decimal `json:"daily_pnl"`
}

// Status 所有白名单品种的状态
func (g *Guard) Status() []HaltStatus {
	out := make([]HaltStatus, 0, len(g.allowed))
	for _, s := range g.Symbols() {
		cb := g.breaker(s)
		halted, reason := cb.Halted()
		out = append(out, HaltStatus{Symbol: s, Halted: halted, Reason: reason, DailyPnL: cb.DailyPnL()})
	}
	return out
}

func (g *Guard) breaker(symbol string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breakers[NormalizeSymbol(symbol)]
}
