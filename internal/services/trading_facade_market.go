package services

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/pkg/marketmath"
)

// RoundResult round-price / round-qty 的返回
type RoundResult struct {
	Symbol    string          `json:"symbol"`
	Input     decimal.Decimal `json:"input"`
	Rounded   decimal.Decimal `json:"rounded"`
	Increment decimal.Decimal `json:"increment"`
	Side      domain.Side     `json:"side,omitempty"`
	Warning   string          `json:"warning,omitempty"` // 规则使用了缺省值时给出
}

// RoundPrice 按品种 tick 对齐价格（BUY 向下，SELL 向上）
func (s *TradingService) RoundPrice(ctx context.Context, symbol string, price decimal.Decimal, side domain.Side) (*RoundResult, error) {
	const op = "round price"
	symbol = risk.NormalizeSymbol(symbol)
	if err := s.guard.CheckSymbol(op, symbol); err != nil {
		return nil, err
	}
	if err := checkSide(op, symbol, side); err != nil {
		return nil, err
	}
	rules, err := s.rules.Rules(ctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", op, symbol)
	}
	rounded, err := marketmath.RoundPrice(price, rules.TickSize, side)
	if err != nil {
		return nil, domain.NewError(domain.KindInvalidGrid, op, symbol, err)
	}
	return &RoundResult{
		Symbol:    symbol,
		Input:     price,
		Rounded:   rounded,
		Increment: rules.TickSize,
		Side:      side,
		Warning:   rules.DowngradeNote,
	}, nil
}

// RoundQty 按品种 step 向零截断数量
func (s *TradingService) RoundQty(ctx context.Context, symbol string, qty decimal.Decimal) (*RoundResult, error) {
	const op = "round qty"
	symbol = risk.NormalizeSymbol(symbol)
	if err := s.guard.CheckSymbol(op, symbol); err != nil {
		return nil, err
	}
	rules, err := s.rules.Rules(ctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", op, symbol)
	}
	rounded, err := marketmath.RoundQty(qty, rules.StepSize)
	if err != nil {
		return nil, domain.NewError(domain.KindInvalidGrid, op, symbol, err)
	}
	return &RoundResult{
		Symbol:    symbol,
		Input:     qty,
		Rounded:   rounded,
		Increment: rules.StepSize,
		Warning:   rules.DowngradeNote,
	}, nil
}

// MarketRules 当前生效的交易规则（带缓存）
func (s *TradingService) MarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	symbol = risk.NormalizeSymbol(symbol)
	if err := s.guard.CheckSymbol("market rules", symbol); err != nil {
		return nil, err
	}
	return s.rules.Rules(ctx, symbol)
}
