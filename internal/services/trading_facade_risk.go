package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

// LeverageResult set-leverage 的返回
type LeverageResult struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
	Changed  bool   `json:"changed"` // false 表示交易所报告已是该值
}

// SetLeverage 相邻风控工具：与编排共用限流器和白名单。
// 交易所返回“无需修改”时视为成功。
func (s *TradingService) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResult, error) {
	const op = "set leverage"
	symbol = risk.NormalizeSymbol(symbol)
	if err := s.guard.CheckSymbol(op, symbol); err != nil {
		return nil, err
	}
	if leverage < 1 {
		return nil, domain.Errorf(domain.KindValidationFailed, op, symbol, "leverage must be >= 1, got %d", leverage)
	}
	if rules, err := s.rules.Rules(ctx, symbol); err == nil && rules.MaxLeverage != nil && leverage > *rules.MaxLeverage {
		return nil, domain.Errorf(domain.KindValidationFailed, op, symbol, "leverage %d exceeds max %d", leverage, *rules.MaxLeverage)
	}

	err := s.limiter.Execute(ctx, s.venue, func(ctx context.Context) error {
		return s.ex.SetLeverage(ctx, symbol, leverage)
	})
	res := &LeverageResult{Symbol: symbol, Leverage: leverage, Changed: true}
	if err != nil {
		if s.noChange == nil || !s.noChange.IsNoChange(err) {
			return nil, err
		}
		res.Changed = false
	}
	log.WithFields(logrus.Fields{"symbol": symbol, "leverage": leverage, "changed": res.Changed}).Info("杠杆已设置")
	return res, nil
}

// FetchPositions 持仓查询
func (s *TradingService) FetchPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error) {
	symbol = risk.NormalizeSymbol(symbol)
	if err := s.guard.CheckSymbol("fetch positions", symbol); err != nil {
		return nil, err
	}
	return ratelimit.Do(ctx, s.limiter, s.venue, func(ctx context.Context) ([]ports.PositionInfo, error) {
		return s.ex.FetchPositions(ctx, symbol)
	})
}

// FetchLeverageTiers 杠杆分档查询
func (s *TradingService) FetchLeverageTiers(ctx context.Context, symbol string) ([]ports.LeverageTier, error) {
	symbol = risk.NormalizeSymbol(symbol)
	if err := s.guard.CheckSymbol("fetch leverage tiers", symbol); err != nil {
		return nil, err
	}
	return ratelimit.Do(ctx, s.limiter, s.venue, func(ctx context.Context) ([]ports.LeverageTier, error) {
		return s.ex.FetchLeverageTiers(ctx, symbol)
	})
}

// RiskStatus 各白名单品种的熔断状态
func (s *TradingService) RiskStatus() []risk.HaltStatus {
	return s.guard.Status()
}

// Halt 手动暂停某品种开仓
func (s *TradingService) Halt(symbol, reason string) error {
	return s.guard.Halt(risk.NormalizeSymbol(symbol), reason)
}

// Resume 人工核对后恢复某品种开仓
func (s *TradingService) Resume(symbol string) error {
	return s.guard.Resume(risk.NormalizeSymbol(symbol))
}
