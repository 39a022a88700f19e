package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
)

var binanceLog = logrus.WithField("component", "binance_venue")

// 交易所错误码
const (
	codeUnknownOrder     = -2011 // 撤单：订单不存在
	codeOrderNotExist    = -2013 // 查询：订单不存在
	codeNoNeedChangeMode = -4046 // No need to change margin type.
	codeNoNeedModify     = -5027 // No need to modify the order.
)

// ErrEditUnsupported 交易所只支持修改 LIMIT 单
var ErrEditUnsupported = errors.New("binance: only LIMIT orders can be modified in place")

// Exchange 实现 ports.Exchange / ports.OrderEditor / ports.RiskQueries / ports.NoChangeDetector
type Exchange struct {
	c *Client
}

// New 创建适配器
func New(cfg Config) *Exchange {
	return &Exchange{c: NewClient(cfg)}
}

// Name venue 名称
func (e *Exchange) Name() string { return Name }

// Client 底层 REST 客户端（用户数据流复用）
func (e *Exchange) Client() *Client { return e.c }

// LoadMarketMetadata 返回 exchangeInfo 中该品种的原始描述（filters / precision 字段）
func (e *Exchange) LoadMarketMetadata(ctx context.Context, symbol string) (map[string]any, error) {
	var info struct {
		Symbols []map[string]any `json:"symbols"`
	}
	if err := e.c.public(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	for _, s := range info.Symbols {
		if name, _ := s["symbol"].(string); strings.EqualFold(name, symbol) {
			return s, nil
		}
	}
	return nil, errors.Errorf("binance: symbol %s not listed", symbol)
}

// orderResponse /fapi/v1/order 返回体
type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Type          string          `json:"type"`
	OrigType      string          `json:"origType"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	ReduceOnly    bool            `json:"reduceOnly"`
	PositionSide  string          `json:"positionSide"`
	TimeInForce   string          `json:"timeInForce"`
	UpdateTime    int64           `json:"updateTime"`
}

func (o orderResponse) toResult() *domain.OrderResult {
	typ := o.Type
	if typ == "" {
		typ = o.OrigType
	}
	res := &domain.OrderResult{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Type:          domain.OrderType(typ),
		Side:          domain.Side(o.Side),
		Status:        domain.OrderStatus(o.Status),
		Price:         nonZero(o.Price),
		StopPrice:     nonZero(o.StopPrice),
		Qty:           o.OrigQty,
		FilledQty:     o.ExecutedQty,
		AvgPrice:      nonZero(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		PositionSide:  domain.PositionSide(o.PositionSide),
		TimeInForce:   domain.TimeInForce(o.TimeInForce),
	}
	if o.UpdateTime > 0 {
		res.UpdatedAt = time.UnixMilli(o.UpdateTime).UTC()
	}
	return res
}

func nonZero(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

// CreateOrder POST /fapi/v1/order
func (e *Exchange) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	p := url.Values{}
	p.Set("symbol", req.Symbol)
	p.Set("side", string(req.Side))
	p.Set("type", string(req.Type))
	p.Set("quantity", req.Qty.String())
	if req.Price != nil && (req.Type == domain.OrderTypeLimit || req.Type == domain.OrderTypeStop) {
		p.Set("price", req.Price.String())
	}
	if req.StopPrice != nil {
		p.Set("stopPrice", req.StopPrice.String())
	}
	if req.Type == domain.OrderTypeLimit || req.Type == domain.OrderTypeStop {
		tif := req.TimeInForce
		if tif == "" {
			tif = domain.TimeInForceGTC
		}
		p.Set("timeInForce", string(tif))
	}
	if req.PositionSide != "" {
		p.Set("positionSide", string(req.PositionSide))
	}
	// 双向持仓模式下不接受 reduceOnly 参数
	if req.ReduceOnly && (req.PositionSide == "" || req.PositionSide == domain.PositionBoth) {
		p.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		p.Set("newClientOrderId", req.ClientOrderID)
	}
	p.Set("newOrderRespType", "RESULT")

	var out orderResponse
	if err := e.c.signed(ctx, http.MethodPost, "/fapi/v1/order", p, &out); err != nil {
		binanceLog.WithFields(logrus.Fields{
			"symbol":    req.Symbol,
			"type":      req.Type,
			"side":      req.Side,
			"client_id": req.ClientOrderID,
		}).Warnf("下单失败: %v", err)
		return nil, err
	}
	return out.toResult(), nil
}

// CancelOrder DELETE /fapi/v1/order
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("orderId", orderID)
	return mapNotFound("cancel order", symbol, e.c.signed(ctx, http.MethodDelete, "/fapi/v1/order", p, nil))
}

// FetchOrder GET /fapi/v1/order
func (e *Exchange) FetchOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("orderId", orderID)
	var out orderResponse
	if err := e.c.signed(ctx, http.MethodGet, "/fapi/v1/order", p, &out); err != nil {
		return nil, mapNotFound("fetch order", symbol, err)
	}
	return out.toResult(), nil
}

// FetchOpenOrders GET /fapi/v1/openOrders
func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.OrderResult, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	var out []orderResponse
	if err := e.c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", p, &out); err != nil {
		return nil, err
	}
	res := make([]*domain.OrderResult, 0, len(out))
	for _, o := range out {
		res = append(res, o.toResult())
	}
	return res, nil
}

// EditOrder PUT /fapi/v1/order（仅 LIMIT）
func (e *Exchange) EditOrder(ctx context.Context, req ports.EditRequest) (*domain.OrderResult, error) {
	if req.Type != domain.OrderTypeLimit || req.Price == nil {
		return nil, ErrEditUnsupported
	}
	p := url.Values{}
	p.Set("symbol", req.Symbol)
	p.Set("orderId", req.OrderID)
	p.Set("side", string(req.Side))
	p.Set("quantity", req.Qty.String())
	p.Set("price", req.Price.String())
	var out orderResponse
	if err := e.c.signed(ctx, http.MethodPut, "/fapi/v1/order", p, &out); err != nil {
		return nil, mapNotFound("edit order", req.Symbol, err)
	}
	return out.toResult(), nil
}

// IsNoChange 识别“无需修改/已设置”类错误
func (e *Exchange) IsNoChange(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case codeNoNeedChangeMode, codeNoNeedModify:
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "no need to")
}

// mapNotFound 订单不存在的错误码转为 OrderNotFound，底层 APIError 保留
func mapNotFound(op, symbol string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderNotExist) {
		return domain.NewError(domain.KindOrderNotFound, op, symbol, err)
	}
	return err
}

type positionResponse struct {
	Symbol       string          `json:"symbol"`
	PositionAmt  decimal.Decimal `json:"positionAmt"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	Leverage     json.Number     `json:"leverage"`
	PositionSide string          `json:"positionSide"`
}

// FetchPositions GET /fapi/v2/positionRisk
func (e *Exchange) FetchPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	var out []positionResponse
	if err := e.c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", p, &out); err != nil {
		return nil, err
	}
	res := make([]ports.PositionInfo, 0, len(out))
	for _, pos := range out {
		lev, _ := pos.Leverage.Int64()
		res = append(res, ports.PositionInfo{
			Symbol:       pos.Symbol,
			PositionSide: domain.PositionSide(pos.PositionSide),
			Qty:          pos.PositionAmt,
			EntryPrice:   pos.EntryPrice,
			Leverage:     int(lev),
		})
	}
	return res, nil
}

type bracketResponse struct {
	Symbol   string `json:"symbol"`
	Brackets []struct {
		Bracket          int             `json:"bracket"`
		InitialLeverage  int             `json:"initialLeverage"`
		NotionalCap      decimal.Decimal `json:"notionalCap"`
		MaintMarginRatio float64         `json:"maintMarginRatio"`
	} `json:"brackets"`
}

// FetchLeverageTiers GET /fapi/v1/leverageBracket
func (e *Exchange) FetchLeverageTiers(ctx context.Context, symbol string) ([]ports.LeverageTier, error) {
	p := url.Values{}
	p.Set("symbol", symbol)
	var raw json.RawMessage
	if err := e.c.signed(ctx, http.MethodGet, "/fapi/v1/leverageBracket", p, &raw); err != nil {
		return nil, err
	}
	// 指定 symbol 时部分版本返回对象，其余返回数组
	var list []bracketResponse
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "{") {
		var one bracketResponse
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, errors.Wrap(err, "binance: decode leverageBracket")
		}
		list = append(list, one)
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Wrap(err, "binance: decode leverageBracket")
	}

	var tiers []ports.LeverageTier
	for _, item := range list {
		if !strings.EqualFold(item.Symbol, symbol) {
			continue
		}
		for _, b := range item.Brackets {
			tiers = append(tiers, ports.LeverageTier{
				Bracket:          b.Bracket,
				InitialLeverage:  b.InitialLeverage,
				NotionalCap:      b.NotionalCap,
				MaintMarginRatio: b.MaintMarginRatio,
			})
		}
	}
	return tiers, nil
}

// SetLeverage POST /fapi/v1/leverage
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p := url.Values{}
	p.Set("symbol", symbol)
	p.Set("leverage", strconv.Itoa(leverage))
	return e.c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", p, nil)
}
