// Package execution 订单编排：bracket（入场 + 止损 + 多止盈）下单、回滚、TTL 与改单。
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/internal/validation"
	"github.com/betbot/perpexec/pkg/marketmath"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

var orchLog = logrus.WithField("component", "bracket_orchestrator")

var hundred = decimal.NewFromInt(100)

// RulesSource 交易规则来源（internal/market.Resolver）
type RulesSource interface {
	Rules(ctx context.Context, symbol string) (*domain.MarketRules, error)
}

// BracketState 编排状态
type BracketState string

const (
	StateValidating     BracketState = "VALIDATING"
	StateEntrySubmitted BracketState = "ENTRY_SUBMITTED"
	StateSLSubmitted    BracketState = "SL_SUBMITTED"
	StateTPSubmitting   BracketState = "TP_SUBMITTING"
	StateDone           BracketState = "DONE"
	StateRejected       BracketState = "REJECTED"
	StateRollingBack    BracketState = "ROLLING_BACK"
	StateRolledBack     BracketState = "ROLLED_BACK"
	StateRollbackFailed BracketState = "ROLLBACK_FAILED"
	StatePartial        BracketState = "PARTIAL"
)

// TPSpec 单个止盈：Qty 与 Percent 二选一（Percent 为入场数量的百分比，0-100）
type TPSpec struct {
	Price   decimal.Decimal  `json:"price"`
	Qty     *decimal.Decimal `json:"qty,omitempty"`
	Percent *decimal.Decimal `json:"percent,omitempty"`
}

// BracketRequest 下单请求
type BracketRequest struct {
	Symbol         string              `json:"symbol"`
	Side           domain.Side         `json:"side"` // 入场方向
	EntryPrice     decimal.Decimal     `json:"entry_price"`
	Qty            decimal.Decimal     `json:"qty"`
	StopPrice      decimal.Decimal     `json:"stop_price"`
	StopLimitPrice *decimal.Decimal    `json:"stop_limit_price,omitempty"` // 给出时止损为 stop-limit
	TakeProfits    []TPSpec            `json:"take_profits,omitempty"`
	PostOnly       bool                `json:"post_only,omitempty"`
	PositionSide   domain.PositionSide `json:"position_side,omitempty"`
	TTL            time.Duration       `json:"ttl,omitempty"`
}

// RollbackReport 止损失败后撤销入场单的结果
// FilledQty 为撤单前入场单已成交的数量，此部分仓位没有止损。
type RollbackReport struct {
	OrderID   string           `json:"order_id"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	FilledQty *decimal.Decimal `json:"filled_qty,omitempty"`
}

// BracketResult 下单结果。Success = 没有任何 error。
type BracketResult struct {
	Success       bool                `json:"success"`
	State         BracketState        `json:"state"`
	Symbol        string              `json:"symbol"`
	SubmittedLegs []*domain.OrderLeg  `json:"submitted_legs"`
	Errors        []domain.Issue      `json:"errors,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
	Rollback      *RollbackReport     `json:"rollback,omitempty"`
	TTLTaskID     string              `json:"ttl_task_id,omitempty"`
	Rules         *domain.MarketRules `json:"rules,omitempty"`
}

// HasKind 结果中是否包含某类错误
func (r *BracketResult) HasKind(k domain.Kind) bool {
	for _, e := range r.Errors {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func (r *BracketResult) fail(leg string, err error) {
	r.Errors = append(r.Errors, domain.NewIssue(leg, err))
}

// Orchestrator bracket 编排器。
// 各腿严格顺序提交；并发只发生在限流器内部。
type Orchestrator struct {
	ex      ports.Exchange
	rules   RulesSource
	limiter *ratelimit.Limiter
	venue   string
	ttl     *TTLScheduler

	inFlight *InFlightDeduper
	prefix   string
	now      func() time.Time

	onResult func(req BracketRequest, res *BracketResult)
}

// OrchestratorOption 构造选项
type OrchestratorOption func(*Orchestrator)

// WithClientIDPrefix 设置客户端订单号前缀
func WithClientIDPrefix(p string) OrchestratorOption {
	return func(o *Orchestrator) { o.prefix = p }
}

// WithDedupeWindow 设置相同请求的去重窗口（<=0 关闭去重）
func WithDedupeWindow(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d <= 0 {
			o.inFlight = nil
			return
		}
		o.inFlight = NewInFlightDeduper(d, 16)
	}
}

// WithResultHook 每次编排结束回调（指标/熔断）
func WithResultHook(fn func(req BracketRequest, res *BracketResult)) OrchestratorOption {
	return func(o *Orchestrator) { o.onResult = fn }
}

// NewOrchestrator 创建编排器；ttl 为 nil 时忽略请求中的 TTL
func NewOrchestrator(ex ports.Exchange, rules RulesSource, limiter *ratelimit.Limiter, venue string, ttl *TTLScheduler, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		ex:       ex,
		rules:    rules,
		limiter:  limiter,
		venue:    venue,
		ttl:      ttl,
		inFlight: NewInFlightDeduper(10*time.Second, 16),
		prefix:   DefaultClientIDPrefix,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// plannedLeg 通过校验、等待提交的腿
type plannedLeg struct {
	leg *domain.OrderLeg
	req domain.OrderRequest
}

// PlaceBracket 校验并提交一个 bracket。
//
// 校验阶段的问题以 REJECTED 结果返回（不发出任何请求）；返回的 error 仅用于
// 重复请求等无法形成结果的情况。腿的提交与调用方的取消解耦。
func (o *Orchestrator) PlaceBracket(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	key := bracketKey(req)
	if err := o.inFlight.TryAcquire(key); err != nil {
		return nil, err
	}
	defer o.inFlight.Release(key)

	res := o.place(ctx, req)
	res.Success = len(res.Errors) == 0
	if o.onResult != nil {
		o.onResult(req, res)
	}
	return res, nil
}

func (o *Orchestrator) place(ctx context.Context, req BracketRequest) *BracketResult {
	res := &BracketResult{State: StateValidating, Symbol: req.Symbol}
	fields := logrus.Fields{"symbol": req.Symbol, "side": req.Side}

	// 1. 交易规则
	rules, err := o.rules.Rules(ctx, req.Symbol)
	if err != nil {
		res.State = StateRejected
		res.fail("", err)
		return res
	}
	res.Rules = rules

	// 2-5. 全部校验通过后才提交
	entry, stop, tps, ok := o.plan(req, rules, res)
	if !ok {
		res.State = StateRejected
		orchLog.WithFields(fields).Warnf("bracket 校验未通过: %v", res.Errors)
		return res
	}

	legCtx := context.WithoutCancel(ctx)

	// 6. 入场
	if err := o.submit(legCtx, entry); err != nil {
		res.State = StateRejected
		res.SubmittedLegs = append(res.SubmittedLegs, entry.leg)
		res.fail(string(domain.LegEntry), err)
		orchLog.WithFields(fields).Errorf("入场单提交失败: %v", err)
		return res
	}
	res.SubmittedLegs = append(res.SubmittedLegs, entry.leg)
	res.State = StateEntrySubmitted

	// 7. 止损；失败则回滚入场
	if err := o.submit(legCtx, stop); err != nil {
		res.SubmittedLegs = append(res.SubmittedLegs, stop.leg)
		res.fail(string(domain.LegStop), err)
		o.rollback(legCtx, req.Symbol, entry.leg, res)
		return res
	}
	res.SubmittedLegs = append(res.SubmittedLegs, stop.leg)
	res.State = StateSLSubmitted

	// 8. 止盈顺序提交，单个失败不回滚
	partial := len(res.Errors) > 0
	for _, tp := range tps {
		res.State = StateTPSubmitting
		res.SubmittedLegs = append(res.SubmittedLegs, tp.leg)
		if err := o.submit(legCtx, tp); err != nil {
			partial = true
			res.fail(tpName(tp.leg.Index), domain.NewError(domain.KindPartialBracket, "submit tp", req.Symbol, err))
			orchLog.WithFields(fields).WithField("index", tp.leg.Index).Errorf("止盈单提交失败: %v", err)
		}
	}
	if partial {
		res.State = StatePartial
	} else {
		res.State = StateDone
	}

	// 9. TTL：独立的延迟检查，不阻塞返回
	if req.TTL > 0 && o.ttl != nil && entry.leg.Status.IsOpen() {
		res.TTLTaskID = o.ttl.Schedule(req.Symbol, entry.leg.OrderID, entry.leg.ClientID, req.TTL)
	}

	orchLog.WithFields(fields).WithField("state", res.State).Info("✅ bracket 提交完成")
	return res
}

// plan 执行步骤 2-5，返回待提交的腿
func (o *Orchestrator) plan(req BracketRequest, rules *domain.MarketRules, res *BracketResult) (entry, stop plannedLeg, tps []plannedLeg, ok bool) {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		res.fail(string(domain.LegEntry), domain.Errorf(domain.KindValidationFailed, "place bracket", req.Symbol, "invalid side %q", req.Side))
		return entry, stop, nil, false
	}
	exitSide := domain.OppositeSide(req.Side)

	// 2. 入场
	ev := validation.Validate(&req.EntryPrice, req.Qty, req.Side, rules)
	res.Warnings = append(res.Warnings, ev.Warnings...)
	if !ev.Valid {
		res.fail(string(domain.LegEntry), ev.Err("validate entry", req.Symbol))
		return entry, stop, nil, false
	}
	entryQty := ev.Adjusted.Qty
	entryPrice := *ev.Adjusted.Price

	// 3. 止损：反方向，数量 = 入场调整后数量
	stopPx, err := marketmath.RoundPrice(req.StopPrice, rules.TickSize, exitSide)
	if err != nil || !req.StopPrice.IsPositive() {
		res.fail(string(domain.LegStop), domain.Errorf(domain.KindValidationFailed, "validate stop", req.Symbol, "invalid stop price %s", req.StopPrice))
		return entry, stop, nil, false
	}
	if !stopPx.Equal(req.StopPrice) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("stop price %s adjusted to %s", req.StopPrice, stopPx))
	}
	if (req.Side == domain.SideBuy && !stopPx.LessThan(entryPrice)) ||
		(req.Side == domain.SideSell && !stopPx.GreaterThan(entryPrice)) {
		res.fail(string(domain.LegStop), domain.Errorf(domain.KindValidationFailed, "validate stop", req.Symbol,
			"stop %s on wrong side of entry %s", stopPx, entryPrice))
		return entry, stop, nil, false
	}
	checkPx := stopPx
	if req.StopLimitPrice != nil {
		checkPx = *req.StopLimitPrice
	}
	sv := validation.Validate(&checkPx, entryQty, exitSide, rules)
	res.Warnings = append(res.Warnings, sv.Warnings...)
	if !sv.Valid {
		res.fail(string(domain.LegStop), sv.Err("validate stop", req.Symbol))
		return entry, stop, nil, false
	}

	// 4. 止盈：逐个校验，无效的跳过并记录
	var pctSum decimal.Decimal
	tpTotal := decimal.Zero
	for i, spec := range req.TakeProfits {
		qty, err := tpQty(spec, entryQty, rules)
		if spec.Percent != nil {
			pctSum = pctSum.Add(*spec.Percent)
		}
		if err != nil {
			res.fail(tpName(i), domain.NewError(domain.KindValidationFailed, "validate tp", req.Symbol, err))
			continue
		}
		tv := validation.Validate(&spec.Price, qty, exitSide, rules)
		res.Warnings = append(res.Warnings, tv.Warnings...)
		if !tv.Valid {
			res.fail(tpName(i), tv.Err("validate tp", req.Symbol))
			continue
		}
		tpPx := *tv.Adjusted.Price
		if (req.Side == domain.SideBuy && !tpPx.GreaterThan(entryPrice)) ||
			(req.Side == domain.SideSell && !tpPx.LessThan(entryPrice)) {
			res.fail(tpName(i), domain.Errorf(domain.KindValidationFailed, "validate tp", req.Symbol,
				"take profit %s on wrong side of entry %s", tpPx, entryPrice))
			continue
		}
		tpTotal = tpTotal.Add(tv.Adjusted.Qty)
		leg := &domain.OrderLeg{
			Role: domain.LegTP, Index: i, Side: exitSide, Type: domain.OrderTypeLimit,
			Price: &tpPx, Qty: tv.Adjusted.Qty, State: domain.LegPending,
			ClientID: NewClientID(o.prefix, domain.LegTP, o.now()),
		}
		tps = append(tps, plannedLeg{leg: leg, req: domain.OrderRequest{
			Symbol: req.Symbol, Type: domain.OrderTypeLimit, Side: exitSide, Qty: leg.Qty,
			Price: leg.Price, TimeInForce: domain.TimeInForceGTC, ReduceOnly: true,
			PositionSide: req.PositionSide, ClientOrderID: leg.ClientID,
		}})
	}

	// 5. Σ TP ≤ 入场数量
	if pctSum.GreaterThan(hundred) {
		res.fail(string(domain.LegTP), domain.Errorf(domain.KindValidationFailed, "validate tp", req.Symbol,
			"take profit percentages sum to %s%%, above 100%%", pctSum))
		return entry, stop, nil, false
	}
	if tpTotal.GreaterThan(entryQty) {
		res.fail(string(domain.LegTP), domain.Errorf(domain.KindValidationFailed, "validate tp", req.Symbol,
			"total take profit qty %s exceeds entry qty %s", tpTotal, entryQty))
		return entry, stop, nil, false
	}

	tif := domain.TimeInForceGTC
	if req.PostOnly {
		tif = domain.TimeInForceGTX
	}
	entryLeg := &domain.OrderLeg{
		Role: domain.LegEntry, Side: req.Side, Type: domain.OrderTypeLimit,
		Price: &entryPrice, Qty: entryQty, State: domain.LegPending,
		ClientID: NewClientID(o.prefix, domain.LegEntry, o.now()),
	}
	entry = plannedLeg{leg: entryLeg, req: domain.OrderRequest{
		Symbol: req.Symbol, Type: domain.OrderTypeLimit, Side: req.Side, Qty: entryQty,
		Price: entryLeg.Price, TimeInForce: tif, PositionSide: req.PositionSide,
		ClientOrderID: entryLeg.ClientID,
	}}

	stopType := domain.OrderTypeStopMarket
	var stopLimit *decimal.Decimal
	if req.StopLimitPrice != nil {
		stopType = domain.OrderTypeStop
		stopLimit = sv.Adjusted.Price
	}
	stopLeg := &domain.OrderLeg{
		Role: domain.LegStop, Side: exitSide, Type: stopType,
		Price: stopLimit, StopPrice: &stopPx, Qty: entryQty, State: domain.LegPending,
		ClientID: NewClientID(o.prefix, domain.LegStop, o.now()),
	}
	stop = plannedLeg{leg: stopLeg, req: domain.OrderRequest{
		Symbol: req.Symbol, Type: stopType, Side: exitSide, Qty: entryQty,
		Price: stopLimit, StopPrice: &stopPx, ReduceOnly: true,
		PositionSide: req.PositionSide, ClientOrderID: stopLeg.ClientID,
	}}
	if stopType == domain.OrderTypeStop {
		stop.req.TimeInForce = domain.TimeInForceGTC
	}
	return entry, stop, tps, true
}

// tpQty 显式数量，或入场数量的百分比（向下对齐到 step）
func tpQty(spec TPSpec, entryQty decimal.Decimal, rules *domain.MarketRules) (decimal.Decimal, error) {
	switch {
	case spec.Qty != nil && spec.Percent != nil:
		return decimal.Zero, fmt.Errorf("take profit has both qty and percent")
	case spec.Qty != nil:
		return *spec.Qty, nil
	case spec.Percent != nil:
		if !spec.Percent.IsPositive() || spec.Percent.GreaterThan(hundred) {
			return decimal.Zero, fmt.Errorf("take profit percent %s out of (0, 100]", spec.Percent)
		}
		return marketmath.RoundQty(entryQty.Mul(*spec.Percent).Div(hundred), rules.StepSize)
	default:
		return decimal.Zero, fmt.Errorf("take profit needs qty or percent")
	}
}

func (o *Orchestrator) submit(ctx context.Context, p plannedLeg) error {
	out, err := ratelimit.Do(ctx, o.limiter, o.venue, func(ctx context.Context) (*domain.OrderResult, error) {
		return o.ex.CreateOrder(ctx, p.req)
	})
	if err != nil {
		p.leg.State = domain.LegRejected
		p.leg.Error = err.Error()
		return err
	}
	p.leg.ApplyResult(out)
	return nil
}

// rollback 止损失败：撤销入场单
func (o *Orchestrator) rollback(ctx context.Context, symbol string, entry *domain.OrderLeg, res *BracketResult) {
	res.State = StateRollingBack
	report := &RollbackReport{OrderID: entry.OrderID}
	res.Rollback = report
	fields := logrus.Fields{"symbol": symbol, "order_id": entry.OrderID, "client_id": entry.ClientID}

	err := o.limiter.Execute(ctx, o.venue, func(ctx context.Context) error {
		return o.ex.CancelOrder(ctx, symbol, entry.OrderID)
	})
	if err != nil {
		report.Error = err.Error()
		res.State = StateRollbackFailed
		res.fail(string(domain.LegEntry), domain.NewError(domain.KindRollbackFailure, "rollback entry", symbol, err))
		orchLog.WithFields(fields).Errorf("🚨 止损失败且入场单撤销失败，仓位可能无保护: %v", err)
		return
	}
	report.Success = true
	entry.State = domain.LegCancelled
	entry.Status = domain.OrderStatusCanceled
	res.State = StateRolledBack

	// 撤单成功不代表没有成交：确认撤单前的成交量
	after, err := ratelimit.Do(ctx, o.limiter, o.venue, func(ctx context.Context) (*domain.OrderResult, error) {
		return o.ex.FetchOrder(ctx, symbol, entry.OrderID)
	})
	switch {
	case err != nil:
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("entry %s cancelled but its fill could not be confirmed: %v", entry.OrderID, err))
		orchLog.WithFields(fields).Warnf("止损失败，入场单已撤销，成交量未确认: %v", err)
	case after != nil && after.FilledQty.IsPositive():
		filled := after.FilledQty
		report.FilledQty = &filled
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("entry %s filled %s before cancel; that position has no stop", entry.OrderID, filled))
		orchLog.WithFields(fields).WithField("filled_qty", filled.String()).
			Error("🚨 止损失败，入场单已撤销但有部分成交，仓位无止损")
	default:
		orchLog.WithFields(fields).Warn("止损失败，入场单已撤销")
	}
}

func tpName(i int) string { return fmt.Sprintf("TP%d", i+1) }
