package services

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/internal/ledger"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/internal/validation"
)

// Service 对外暴露的操作集合（HTTP 层依赖此接口）
type Service interface {
	PlaceBracket(ctx context.Context, req execution.BracketRequest) (*execution.BracketResult, error)
	AmendOrder(ctx context.Context, req execution.AmendRequest) (*execution.AmendResult, error)
	ValidateOrder(ctx context.Context, symbol string, price *decimal.Decimal, qty decimal.Decimal, side domain.Side) (*validation.Result, error)
	CancelTTL(taskID string) bool
	PendingTTL() []execution.TTLTask

	RoundPrice(ctx context.Context, symbol string, price decimal.Decimal, side domain.Side) (*RoundResult, error)
	RoundQty(ctx context.Context, symbol string, qty decimal.Decimal) (*RoundResult, error)
	MarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResult, error)
	FetchPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error)
	FetchLeverageTiers(ctx context.Context, symbol string) ([]ports.LeverageTier, error)
	RiskStatus() []risk.HaltStatus
	Halt(symbol, reason string) error
	Resume(symbol string) error

	LogTradePlan(ctx context.Context, in *domain.TradePlanSnapshot) (ledger.LogResult, error)
	GetTradePlan(ctx context.Context, planID string) (*domain.TradePlanSnapshot, error)
	GetTemplateStats(ctx context.Context, f domain.StatsFilter) (*domain.TemplateStats, error)
}

var _ Service = (*TradingService)(nil)
