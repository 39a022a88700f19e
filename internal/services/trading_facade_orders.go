package services

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/internal/validation"
)

// Facade methods: 每个入口先过白名单，再进入编排/改单。

// PlaceBracket 提交 entry + 止损 + 多个止盈
func (s *TradingService) PlaceBracket(ctx context.Context, req execution.BracketRequest) (*execution.BracketResult, error) {
	const op = "place bracket"
	req.Symbol = risk.NormalizeSymbol(req.Symbol)
	if err := s.guard.AllowOpen(op, req.Symbol); err != nil {
		return nil, err
	}
	return s.orch.PlaceBracket(ctx, req)
}

// AmendOrder 原地改单或撤单重下
func (s *TradingService) AmendOrder(ctx context.Context, req execution.AmendRequest) (*execution.AmendResult, error) {
	const op = "amend order"
	req.Symbol = risk.NormalizeSymbol(req.Symbol)
	if err := s.guard.CheckSymbol(op, req.Symbol); err != nil {
		return nil, err
	}
	res, err := s.amender.Amend(ctx, req)
	if s.observer != nil && res != nil {
		s.observer.ObserveAmend(res.Method, res.Success)
	}
	return res, err
}

// ValidateOrder 按交易规则校验并给出调整后的价格/数量
func (s *TradingService) ValidateOrder(ctx context.Context, symbol string, price *decimal.Decimal, qty decimal.Decimal, side domain.Side) (*validation.Result, error) {
	const op = "validate order"
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
	res := validation.Validate(price, qty, side, rules)
	return &res, nil
}

// CancelTTL 取消一个尚未触发的 TTL 任务
func (s *TradingService) CancelTTL(taskID string) bool {
	ok := s.ttl.Cancel(taskID)
	log.WithFields(logrus.Fields{"task_id": taskID, "cancelled": ok}).Info("取消 TTL 任务")
	return ok
}

// PendingTTL 尚未触发的 TTL 任务
func (s *TradingService) PendingTTL() []execution.TTLTask {
	return s.ttl.Pending()
}

func checkSide(op, symbol string, side domain.Side) error {
	if side != domain.SideBuy && side != domain.SideSell {
		return domain.Errorf(domain.KindValidationFailed, op, symbol, "side must be BUY or SELL, got %q", side)
	}
	return nil
}
