package services

import (
	"context"

	"github.com/pkg/errors"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ledger"
	"github.com/betbot/perpexec/internal/risk"
)

// LogTradePlan 创建或合并交易计划。
// 结果首次带上已实现盈亏时计入该品种的日内亏损熔断。
func (s *TradingService) LogTradePlan(ctx context.Context, in *domain.TradePlanSnapshot) (ledger.LogResult, error) {
	const op = "log trade plan"
	if in == nil {
		return ledger.LogResult{}, domain.Errorf(domain.KindValidationFailed, op, "", "plan required")
	}
	if in.Symbol != "" {
		in.Symbol = risk.NormalizeSymbol(in.Symbol)
		if err := s.guard.CheckSymbol(op, in.Symbol); err != nil {
			return ledger.LogResult{}, err
		}
	}

	var prev *domain.TradePlanSnapshot
	if in.PlanID != "" {
		p, err := s.ledger.GetTradePlan(ctx, in.PlanID)
		if err != nil && !errors.Is(err, ledger.ErrPlanNotFound) {
			return ledger.LogResult{}, err
		}
		prev = p
	}

	res, err := s.ledger.LogTradePlan(ctx, in)
	if err != nil {
		return res, err
	}

	if in.Outcome.PnL != nil && (prev == nil || prev.Outcome.PnL == nil) {
		symbol := in.Symbol
		if symbol == "" && prev != nil {
			symbol = prev.Symbol
		}
		s.guard.AddPnL(symbol, *in.Outcome.PnL)
	}
	return res, nil
}

// GetTradePlan 读取交易计划
func (s *TradingService) GetTradePlan(ctx context.Context, planID string) (*domain.TradePlanSnapshot, error) {
	return s.ledger.GetTradePlan(ctx, planID)
}

// GetTemplateStats 模板统计（带缓存）
func (s *TradingService) GetTemplateStats(ctx context.Context, f domain.StatsFilter) (*domain.TemplateStats, error) {
	if f.Symbol != "" {
		f.Symbol = risk.NormalizeSymbol(f.Symbol)
		if err := s.guard.CheckSymbol("template stats", f.Symbol); err != nil {
			return nil, err
		}
	}
	return s.ledger.TemplateStats(ctx, f)
}
