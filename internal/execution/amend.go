package execution

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/internal/validation"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

var amendLog = logrus.WithField("component", "order_amender")

// AmendMethod 改单方式
type AmendMethod string

const (
	MethodEdit           AmendMethod = "edit"
	MethodCancelRecreate AmendMethod = "cancel_recreate"
)

// AmendRequest 改单请求：OrderID 与 ClientID 至少给出一个
type AmendRequest struct {
	Symbol       string           `json:"symbol"`
	OrderID      string           `json:"order_id,omitempty"`
	ClientID     string           `json:"client_id,omitempty"`
	NewPrice     *decimal.Decimal `json:"new_price,omitempty"`
	NewQty       *decimal.Decimal `json:"new_qty,omitempty"`
	AllowRequote bool             `json:"allow_requote,omitempty"`
	NewClientID  string           `json:"new_client_id,omitempty"`
}

// AmendResult 改单结果
type AmendResult struct {
	Success         bool                `json:"success"`
	Method          AmendMethod         `json:"method,omitempty"`
	OriginalOrderID string              `json:"original_order_id"`
	NewOrder        *domain.OrderResult `json:"new_order,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// Amender 改单服务：优先原地修改，否则撤单重下
type Amender struct {
	ex       ports.Exchange
	rules    RulesSource
	limiter  *ratelimit.Limiter
	venue    string
	noChange ports.NoChangeDetector
	prefix   string
	now      func() time.Time
}

// NewAmender 创建改单服务。venue 实现 ports.NoChangeDetector 时自动使用。
func NewAmender(ex ports.Exchange, rules RulesSource, limiter *ratelimit.Limiter, venue, clientIDPrefix string) *Amender {
	a := &Amender{ex: ex, rules: rules, limiter: limiter, venue: venue, prefix: clientIDPrefix, now: time.Now}
	if d, ok := ex.(ports.NoChangeDetector); ok {
		a.noChange = d
	}
	return a
}

// Amend 修改一张挂单的价格/数量。
//
// 撤单失败时直接返回错误，不会在撤单结果不明确时下新单；
// 撤单成功但重下失败时返回带 OriginalOrderID 的结果和错误。
func (a *Amender) Amend(ctx context.Context, req AmendRequest) (*AmendResult, error) {
	const op = "amend order"
	if req.OrderID == "" && req.ClientID == "" {
		return nil, domain.Errorf(domain.KindValidationFailed, op, req.Symbol, "order_id or client_id required")
	}
	if req.NewPrice == nil && req.NewQty == nil {
		return nil, domain.Errorf(domain.KindValidationFailed, op, req.Symbol, "new price or new qty required")
	}
	ctx = context.WithoutCancel(ctx)

	// 1. 定位
	orig, err := a.locate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !orig.Status.IsOpen() {
		return nil, domain.Errorf(domain.KindValidationFailed, op, req.Symbol, "order %s is %s", orig.OrderID, orig.Status)
	}
	fields := logrus.Fields{"symbol": req.Symbol, "order_id": orig.OrderID, "client_id": orig.ClientOrderID}

	// 2. 按订单方向校验新参数
	rules, err := a.rules.Rules(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	target := amendTarget(orig, req)
	v := validation.Validate(target.checkPrice(), target.qty, orig.Side, rules)
	if !v.Valid {
		return nil, v.Err(op, req.Symbol)
	}
	target.apply(v.Adjusted)

	res := &AmendResult{OriginalOrderID: orig.OrderID, Warnings: v.Warnings}

	// 3a. 原地修改
	if editor, ok := a.ex.(ports.OrderEditor); ok {
		edited, err := ratelimit.Do(ctx, a.limiter, a.venue, func(ctx context.Context) (*domain.OrderResult, error) {
			return editor.EditOrder(ctx, ports.EditRequest{
				Symbol: req.Symbol, OrderID: orig.OrderID, Side: orig.Side, Type: orig.Type,
				Qty: target.qty, Price: target.price, StopPrice: target.stopPrice,
			})
		})
		switch {
		case err == nil:
			res.Success, res.Method, res.NewOrder = true, MethodEdit, edited
			amendLog.WithFields(fields).Info("✅ 原地改单成功")
			return res, nil
		case a.noChange != nil && a.noChange.IsNoChange(err):
			res.Success, res.Method, res.NewOrder = true, MethodEdit, orig
			res.Warnings = append(res.Warnings, "venue reported no change")
			return res, nil
		default:
			amendLog.WithFields(fields).Warnf("原地改单失败，改为撤单重下: %v", err)
		}
	}

	// 3b. 撤单重下
	newClientID := req.NewClientID
	if newClientID == "" {
		if !req.AllowRequote {
			return nil, domain.Errorf(domain.KindValidationFailed, op, req.Symbol,
				"new_client_id required for cancel/recreate unless allow_requote is set")
		}
		newClientID = NewClientID(a.prefix, roleOf(orig), a.now())
	}

	err = a.limiter.Execute(ctx, a.venue, func(ctx context.Context) error {
		return a.ex.CancelOrder(ctx, req.Symbol, orig.OrderID)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cancel %s before recreate", orig.OrderID)
	}

	replacement := domain.OrderRequest{
		Symbol:        req.Symbol,
		Type:          orig.Type,
		Side:          orig.Side,
		Qty:           target.qty,
		Price:         target.price,
		StopPrice:     target.stopPrice,
		TimeInForce:   orig.TimeInForce,
		ReduceOnly:    orig.ReduceOnly,
		PositionSide:  orig.PositionSide,
		ClientOrderID: newClientID,
	}
	created, err := ratelimit.Do(ctx, a.limiter, a.venue, func(ctx context.Context) (*domain.OrderResult, error) {
		return a.ex.CreateOrder(ctx, replacement)
	})
	res.Method = MethodCancelRecreate
	if err != nil {
		res.Error = err.Error()
		amendLog.WithFields(fields).Errorf("🚨 原单已撤销，重下失败: %v", err)
		return res, errors.Wrapf(err, "recreate %s", orig.OrderID)
	}
	res.Success, res.NewOrder = true, created
	amendLog.WithFields(fields).WithField("new_order_id", created.OrderID).Info("✅ 撤单重下成功")
	return res, nil
}

func (a *Amender) locate(ctx context.Context, req AmendRequest) (*domain.OrderResult, error) {
	const op = "locate order"
	if req.OrderID != "" {
		o, err := ratelimit.Do(ctx, a.limiter, a.venue, func(ctx context.Context) (*domain.OrderResult, error) {
			return a.ex.FetchOrder(ctx, req.Symbol, req.OrderID)
		})
		if errors.Is(err, domain.ErrOrderNotFound) || (err == nil && o == nil) {
			return nil, domain.NewError(domain.KindOrderNotFound, op, req.Symbol, errors.Errorf("order %s", req.OrderID))
		}
		return o, err
	}

	open, err := ratelimit.Do(ctx, a.limiter, a.venue, func(ctx context.Context) ([]*domain.OrderResult, error) {
		return a.ex.FetchOpenOrders(ctx, req.Symbol)
	})
	if err != nil {
		return nil, err
	}
	for _, o := range open {
		if o.ClientOrderID == req.ClientID {
			return o, nil
		}
	}
	return nil, domain.NewError(domain.KindOrderNotFound, op, req.Symbol, errors.Errorf("client id %s", req.ClientID))
}

// target 改单后的参数。止损市价单的“价格”即触发价。
type target struct {
	stopOnly  bool
	qty       decimal.Decimal
	price     *decimal.Decimal
	stopPrice *decimal.Decimal
}

func amendTarget(orig *domain.OrderResult, req AmendRequest) *target {
	t := &target{
		stopOnly:  orig.Type == domain.OrderTypeStopMarket,
		qty:       orig.Qty,
		price:     orig.Price,
		stopPrice: orig.StopPrice,
	}
	if req.NewQty != nil {
		t.qty = *req.NewQty
	}
	if req.NewPrice != nil {
		p := *req.NewPrice
		if t.stopOnly {
			t.stopPrice = &p
		} else {
			t.price = &p
		}
	}
	return t
}

func (t *target) checkPrice() *decimal.Decimal {
	if t.stopOnly {
		return t.stopPrice
	}
	return t.price
}

func (t *target) apply(adj validation.Adjusted) {
	t.qty = adj.Qty
	if adj.Price == nil {
		return
	}
	if t.stopOnly {
		t.stopPrice = adj.Price
	} else {
		t.price = adj.Price
	}
}

func roleOf(o *domain.OrderResult) domain.LegRole {
	switch {
	case o.Type == domain.OrderTypeStop || o.Type == domain.OrderTypeStopMarket:
		return domain.LegStop
	case o.ReduceOnly:
		return domain.LegTP
	default:
		return domain.LegEntry
	}
}
