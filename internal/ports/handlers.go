package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
)

// OrderUpdateHandler handles order updates pushed by a venue user stream.
//
// NOTE: defined in a neutral package so venue adapters and execution do not import each other.
type OrderUpdateHandler interface {
	OnOrderUpdate(ctx context.Context, order *domain.OrderResult)
}

// PositionInfo 持仓摘要（相邻风控工具使用）
type PositionInfo struct {
	Symbol       string
	PositionSide domain.PositionSide
	Qty          decimal.Decimal
	EntryPrice   decimal.Decimal
	Leverage     int
}

// LeverageTier 杠杆分档
type LeverageTier struct {
	Bracket          int
	InitialLeverage  int
	NotionalCap      decimal.Decimal
	MaintMarginRatio float64
}

// RiskQueries 相邻风控工具使用的查询，与编排共享同一限流器与白名单
type RiskQueries interface {
	FetchPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	FetchLeverageTiers(ctx context.Context, symbol string) ([]LeverageTier, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
