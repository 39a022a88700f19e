package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/pkg/marketmath"
)

// Side 订单方向（与取整方向共用同一类型）
type Side = marketmath.Side

const (
	SideBuy  = marketmath.Buy
	SideSell = marketmath.Sell
)

// OppositeSide 返回平仓/保护单方向
func OppositeSide(s Side) Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide 持仓方向
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH" // 单向持仓模式
)

// EntrySideFor 开仓方向：LONG -> BUY，SHORT -> SELL
func EntrySideFor(ps PositionSide) Side {
	if ps == PositionShort {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型（永续合约常用子集）
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStop       OrderType = "STOP"        // stop-limit
	OrderTypeStopMarket OrderType = "STOP_MARKET" // stop-market
)

// TimeInForce 有效期
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceGTX TimeInForce = "GTX" // post-only
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderStatus 交易所侧订单状态（归一化后）
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsOpen 订单仍在簿上（可被撤销）
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// IsFinal 终态：不会再发生变化
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest 提交给交易所协作方的下单参数
type OrderRequest struct {
	Symbol        string
	Type          OrderType
	Side          Side
	Qty           decimal.Decimal
	Price         *decimal.Decimal // LIMIT / STOP 需要
	StopPrice     *decimal.Decimal // STOP / STOP_MARKET 需要
	TimeInForce   TimeInForce
	ReduceOnly    bool
	PositionSide  PositionSide
	ClientOrderID string
}

// PostOnly 是否为 maker-only
func (r OrderRequest) PostOnly() bool { return r.TimeInForce == TimeInForceGTX }

// OrderResult 交易所返回的订单快照
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Type          OrderType
	Side          Side
	Status        OrderStatus
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      *decimal.Decimal
	ReduceOnly    bool
	PositionSide  PositionSide
	TimeInForce   TimeInForce
	UpdatedAt     time.Time
}

// LegRole bracket 中各腿的角色
type LegRole string

const (
	LegEntry LegRole = "ENTRY"
	LegStop  LegRole = "SL"
	LegTP    LegRole = "TP"
)

// LegState 腿在本次编排中的状态
type LegState string

const (
	LegPending   LegState = "PENDING"
	LegSubmitted LegState = "SUBMITTED"
	LegFilled    LegState = "FILLED"
	LegCancelled LegState = "CANCELLED"
	LegRejected  LegState = "REJECTED"
)

// OrderLeg 一条腿。创建于提交时，由编排调用独占，直到进入终态。
type OrderLeg struct {
	Role      LegRole          `json:"role"`
	Index     int              `json:"index,omitempty"` // TP 序号（从 0 开始）
	Side      Side             `json:"side"`
	Type      OrderType        `json:"type"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stop_price,omitempty"`
	Qty       decimal.Decimal  `json:"qty"`
	ClientID  string           `json:"client_id"`
	OrderID   string           `json:"order_id,omitempty"`
	Status    OrderStatus      `json:"exchange_status,omitempty"`
	State     LegState         `json:"state"`
	Error     string           `json:"error,omitempty"`
}

// ApplyResult 用交易所返回更新腿的标识与状态
func (l *OrderLeg) ApplyResult(res *OrderResult) {
	if l == nil || res == nil {
		return
	}
	l.OrderID = res.OrderID
	if res.ClientOrderID != "" {
		l.ClientID = res.ClientOrderID
	}
	l.Status = res.Status
	switch res.Status {
	case OrderStatusFilled:
		l.State = LegFilled
	case OrderStatusCanceled, OrderStatusExpired:
		l.State = LegCancelled
	case OrderStatusRejected:
		l.State = LegRejected
	default:
		l.State = LegSubmitted
	}
}

// BracketPlan 原子单元：仅存活于一次下单调用（以及可选的 TTL 定时器）
type BracketPlan struct {
	Symbol string
	Side   Side
	Legs   []*OrderLeg
	TTL    time.Duration
}

// Entry 返回 entry 腿
func (p *BracketPlan) Entry() *OrderLeg { return p.leg(LegEntry) }

// Stop 返回止损腿
func (p *BracketPlan) Stop() *OrderLeg { return p.leg(LegStop) }

func (p *BracketPlan) leg(role LegRole) *OrderLeg {
	for _, l := range p.Legs {
		if l.Role == role {
			return l
		}
	}
	return nil
}

// TakeProfits 返回全部 TP 腿（保持顺序）
func (p *BracketPlan) TakeProfits() []*OrderLeg {
	out := make([]*OrderLeg, 0, len(p.Legs))
	for _, l := range p.Legs {
		if l.Role == LegTP {
			out = append(out, l)
		}
	}
	return out
}

// TotalTPQty Σ(TP qty)
func (p *BracketPlan) TotalTPQty() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range p.TakeProfits() {
		sum = sum.Add(l.Qty)
	}
	return sum
}
