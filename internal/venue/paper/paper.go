// Package paper 纸交易 venue：在内存中模拟永续合约订单簿，实现全部交易所能力接口。
// 用于 dry_run 模式以及编排/改单测试（支持按操作注入失败）。
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
)

var paperLog = logrus.WithField("component", "paper_venue")

// Name venue 名称（限流器按此隔离）
const Name = "paper"

// Op 可注入失败的操作
type Op string

const (
	OpLoadMetadata Op = "load_metadata"
	OpCreate       Op = "create"
	OpCancel       Op = "cancel"
	OpFetch        Op = "fetch"
	OpFetchOpen    Op = "fetch_open"
	OpEdit         Op = "edit"
	OpSetLeverage  Op = "set_leverage"
)

// ErrNoChange 改单/设置杠杆时参数与当前一致
var ErrNoChange = errors.New("paper: no need to modify")

// Call 记录一次调用（测试断言用）
type Call struct {
	Op      Op
	Symbol  string
	OrderID string
	Request *domain.OrderRequest
}

type createRule struct {
	match func(domain.OrderRequest) bool
	err   error
}

// Exchange 内存纸交易所
type Exchange struct {
	mu sync.Mutex

	markets  map[string]map[string]any
	metadata ports.MarketMetadataLoader

	orders    map[string]*domain.OrderResult
	order     []string // 下单顺序
	seq       int64
	leverage  map[string]int
	positions map[string]decimal.Decimal

	failNext    map[Op][]error
	createRules []createRule
	calls       []Call

	handler ports.OrderUpdateHandler
	now     func() time.Time
}

// Option 构造选项
type Option func(*Exchange)

// WithMetadataSource 使用真实 venue 的市场元数据（dry run 时保证网格一致）
func WithMetadataSource(loader ports.MarketMetadataLoader) Option {
	return func(e *Exchange) { e.metadata = loader }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// New 创建纸交易所，内置 BTCUSDT / ETHUSDT 元数据
func New(opts ...Option) *Exchange {
	e := &Exchange{
		markets: map[string]map[string]any{
			"BTCUSDT": market(0.1, 0.001, 0.001, 100, 125),
			"ETHUSDT": market(0.01, 0.001, 0.001, 20, 100),
		},
		orders:    make(map[string]*domain.OrderResult),
		leverage:  make(map[string]int),
		positions: make(map[string]decimal.Decimal),
		failNext:  make(map[Op][]error),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func market(tick, step, minQty, minNotional float64, maxLev int) map[string]any {
	return map[string]any{
		"precisionMode": "TICK_SIZE",
		"precision":     map[string]any{"price": tick, "amount": step},
		"limits": map[string]any{
			"amount":   map[string]any{"min": minQty},
			"cost":     map[string]any{"min": minNotional},
			"leverage": map[string]any{"max": float64(maxLev)},
		},
	}
}

// Name venue 名称
func (e *Exchange) Name() string { return Name }

// SetMarket 覆盖某品种的原始元数据
func (e *Exchange) SetMarket(symbol string, raw map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[symbol] = raw
}

// SetOrderUpdateHandler 订阅订单状态推送（等价于真实 venue 的 user stream）
func (e *Exchange) SetOrderUpdateHandler(h ports.OrderUpdateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// FailNext 让 op 的下一次调用返回 err（可多次排队）
func (e *Exchange) FailNext(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[op] = append(e.failNext[op], err)
}

// FailCreateWhen 满足条件的下单请求返回 err（持续生效）
func (e *Exchange) FailCreateWhen(match func(domain.OrderRequest) bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createRules = append(e.createRules, createRule{match: match, err: err})
}

// Calls 返回调用记录副本
func (e *Exchange) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallCount 统计某操作的调用次数
func (e *Exchange) CallCount(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// popFailLocked 取出排队的注入错误，调用方须持有 e.mu
func (e *Exchange) popFailLocked(op Op) error {
	q := e.failNext[op]
	if len(q) == 0 {
		return nil
	}
	e.failNext[op] = q[1:]
	return q[0]
}

func (e *Exchange) record(c Call) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
	return e.popFailLocked(c.Op)
}

// LoadMarketMetadata 实现 ports.MarketMetadataLoader
func (e *Exchange) LoadMarketMetadata(ctx context.Context, symbol string) (map[string]any, error) {
	if err := e.record(Call{Op: OpLoadMetadata, Symbol: symbol}); err != nil {
		return nil, err
	}
	if e.metadata != nil {
		return e.metadata.LoadMarketMetadata(ctx, symbol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, ok := e.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: unknown symbol %s", symbol)
	}
	return raw, nil
}

// CreateOrder 实现 ports.OrderCreator。
// 市价单立即成交；其余订单挂在簿上等待 Fill。
func (e *Exchange) CreateOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	r := req
	e.mu.Lock()
	e.calls = append(e.calls, Call{Op: OpCreate, Symbol: req.Symbol, Request: &r})
	if err := e.popFailLocked(OpCreate); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	for _, rule := range e.createRules {
		if rule.match(req) {
			e.mu.Unlock()
			return nil, rule.err
		}
	}
	if req.ClientOrderID != "" {
		for _, o := range e.orders {
			if o.ClientOrderID == req.ClientOrderID {
				e.mu.Unlock()
				return nil, fmt.Errorf("paper: duplicate client order id %s", req.ClientOrderID)
			}
		}
	}

	e.seq++
	o := &domain.OrderResult{
		OrderID:       fmt.Sprintf("paper-%d", e.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Status:        domain.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Qty:           req.Qty,
		FilledQty:     decimal.Zero,
		ReduceOnly:    req.ReduceOnly,
		PositionSide:  req.PositionSide,
		TimeInForce:   req.TimeInForce,
		UpdatedAt:     e.now(),
	}
	e.orders[o.OrderID] = o
	e.order = append(e.order, o.OrderID)
	out := *o
	e.mu.Unlock()

	paperLog.WithFields(logrus.Fields{
		"symbol": req.Symbol, "side": req.Side, "type": req.Type,
		"qty": req.Qty.String(), "client_id": req.ClientOrderID, "order_id": out.OrderID,
	}).Info("📝 [纸交易] 模拟下单")

	if req.Type == domain.OrderTypeMarket {
		if err := e.Fill(out.OrderID, req.Price); err != nil {
			return nil, err
		}
		filled, _ := e.get(out.OrderID)
		return filled, nil
	}
	return &out, nil
}

// CancelOrder 实现 ports.OrderCanceler
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := e.record(Call{Op: OpCancel, Symbol: symbol, OrderID: orderID}); err != nil {
		return err
	}
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		e.mu.Unlock()
		return errors.Wrapf(domain.ErrOrderNotFound, "paper: cancel %s", orderID)
	}
	if !o.Status.IsOpen() {
		e.mu.Unlock()
		return fmt.Errorf("paper: order %s already %s", orderID, o.Status)
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = e.now()
	snap := *o
	h := e.handler
	e.mu.Unlock()

	if h != nil {
		h.OnOrderUpdate(ctx, &snap)
	}
	return nil
}

// FetchOrder 实现 ports.OrderFetcher
func (e *Exchange) FetchOrder(_ context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	if err := e.record(Call{Op: OpFetch, Symbol: symbol, OrderID: orderID}); err != nil {
		return nil, err
	}
	o, ok := e.get(orderID)
	if !ok || o.Symbol != symbol {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "paper: fetch %s", orderID)
	}
	return o, nil
}

// FetchOpenOrders 实现 ports.OrderFetcher（按下单顺序）
func (e *Exchange) FetchOpenOrders(_ context.Context, symbol string) ([]*domain.OrderResult, error) {
	if err := e.record(Call{Op: OpFetchOpen, Symbol: symbol}); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*domain.OrderResult
	for _, id := range e.order {
		o := e.orders[id]
		if o.Symbol == symbol && o.Status.IsOpen() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

// EditOrder 实现 ports.OrderEditor。参数完全一致时返回 ErrNoChange。
func (e *Exchange) EditOrder(ctx context.Context, req ports.EditRequest) (*domain.OrderResult, error) {
	if err := e.record(Call{Op: OpEdit, Symbol: req.Symbol, OrderID: req.OrderID}); err != nil {
		return nil, err
	}
	e.mu.Lock()
	o, ok := e.orders[req.OrderID]
	if !ok || o.Symbol != req.Symbol {
		e.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "paper: edit %s", req.OrderID)
	}
	if !o.Status.IsOpen() {
		e.mu.Unlock()
		return nil, fmt.Errorf("paper: order %s already %s", req.OrderID, o.Status)
	}
	if o.Qty.Equal(req.Qty) && decEqual(o.Price, req.Price) {
		e.mu.Unlock()
		return nil, ErrNoChange
	}
	o.Qty = req.Qty
	if req.Price != nil {
		o.Price = req.Price
	}
	if req.StopPrice != nil {
		o.StopPrice = req.StopPrice
	}
	o.UpdatedAt = e.now()
	snap := *o
	h := e.handler
	e.mu.Unlock()

	if h != nil {
		h.OnOrderUpdate(ctx, &snap)
	}
	return &snap, nil
}

// IsNoChange 实现 ports.NoChangeDetector
func (e *Exchange) IsNoChange(err error) bool {
	return errors.Is(err, ErrNoChange)
}

// Fill 模拟订单完全成交（price 为空时按挂单价成交）
func (e *Exchange) Fill(orderID string, price *decimal.Decimal) error {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return errors.Wrapf(domain.ErrOrderNotFound, "paper: fill %s", orderID)
	}
	if !o.Status.IsOpen() {
		e.mu.Unlock()
		return fmt.Errorf("paper: order %s already %s", orderID, o.Status)
	}
	px := price
	if px == nil {
		px = o.Price
		if px == nil {
			px = o.StopPrice
		}
	}
	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.AvgPrice = px
	o.UpdatedAt = e.now()

	delta := o.Qty
	if o.Side == domain.SideSell {
		delta = delta.Neg()
	}
	e.positions[o.Symbol] = e.positions[o.Symbol].Add(delta)

	snap := *o
	h := e.handler
	e.mu.Unlock()

	if h != nil {
		h.OnOrderUpdate(context.Background(), &snap)
	}
	return nil
}

// PartialFill 模拟部分成交：累计成交 qty，订单保持挂单
func (e *Exchange) PartialFill(orderID string, qty decimal.Decimal) error {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return errors.Wrapf(domain.ErrOrderNotFound, "paper: fill %s", orderID)
	}
	if !o.Status.IsOpen() {
		e.mu.Unlock()
		return fmt.Errorf("paper: order %s already %s", orderID, o.Status)
	}
	if !qty.IsPositive() || o.FilledQty.Add(qty).GreaterThanOrEqual(o.Qty) {
		e.mu.Unlock()
		return fmt.Errorf("paper: partial fill %s out of range for %s", qty, orderID)
	}
	o.Status = domain.OrderStatusPartiallyFilled
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgPrice = o.Price
	o.UpdatedAt = e.now()

	delta := qty
	if o.Side == domain.SideSell {
		delta = delta.Neg()
	}
	e.positions[o.Symbol] = e.positions[o.Symbol].Add(delta)

	snap := *o
	h := e.handler
	e.mu.Unlock()

	if h != nil {
		h.OnOrderUpdate(context.Background(), &snap)
	}
	return nil
}

// FetchPositions 实现 ports.RiskQueries
func (e *Exchange) FetchPositions(_ context.Context, symbol string) ([]ports.PositionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ports.PositionInfo
	symbols := make([]string, 0, len(e.positions))
	for s := range e.positions {
		if symbol == "" || s == symbol {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		qty := e.positions[s]
		if qty.IsZero() {
			continue
		}
		side := domain.PositionLong
		if qty.IsNegative() {
			side = domain.PositionShort
		}
		out = append(out, ports.PositionInfo{
			Symbol:       s,
			PositionSide: side,
			Qty:          qty.Abs(),
			Leverage:     e.leverage[s],
		})
	}
	return out, nil
}

// FetchLeverageTiers 实现 ports.RiskQueries（单档，上限来自元数据）
func (e *Exchange) FetchLeverageTiers(_ context.Context, symbol string) ([]ports.LeverageTier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, ok := e.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: unknown symbol %s", symbol)
	}
	maxLev := 20
	if limits, ok := raw["limits"].(map[string]any); ok {
		if lev, ok := limits["leverage"].(map[string]any); ok {
			if v, ok := lev["max"].(float64); ok {
				maxLev = int(v)
			}
		}
	}
	return []ports.LeverageTier{{
		Bracket:          1,
		InitialLeverage:  maxLev,
		NotionalCap:      decimal.NewFromInt(50000),
		MaintMarginRatio: 0.004,
	}}, nil
}

// SetLeverage 实现 ports.RiskQueries；与当前值相同返回 ErrNoChange
func (e *Exchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if err := e.record(Call{Op: OpSetLeverage, Symbol: symbol}); err != nil {
		return err
	}
	if leverage <= 0 {
		return fmt.Errorf("paper: invalid leverage %d", leverage)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leverage[symbol] == leverage {
		return ErrNoChange
	}
	e.leverage[symbol] = leverage
	return nil
}

// Order 直接读取订单（测试用）
func (e *Exchange) Order(orderID string) (*domain.OrderResult, bool) {
	return e.get(orderID)
}

func (e *Exchange) get(orderID string) (*domain.OrderResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// WithoutEdit 包装为不支持原地改单的 venue
func WithoutEdit(e *Exchange) ports.Exchange {
	return struct{ ports.Exchange }{e}
}

func decEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
