package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
)

// Small capability interfaces consumed from the exchange collaborator.

type MarketMetadataLoader interface {
	// LoadMarketMetadata returns the venue's raw market description for symbol.
	// The shape is venue-specific; only internal/market interprets it.
	LoadMarketMetadata(ctx context.Context, symbol string) (map[string]any, error)
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

type OrderFetcher interface {
	FetchOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.OrderResult, error)
}

// Exchange 编排/改单所需的最小能力集合
type Exchange interface {
	MarketMetadataLoader
	OrderCreator
	OrderCanceler
	OrderFetcher
}

// EditRequest 原地改单参数
type EditRequest struct {
	Symbol    string
	OrderID   string
	Side      domain.Side
	Type      domain.OrderType
	Qty       decimal.Decimal
	Price     *decimal.Decimal
	StopPrice *decimal.Decimal
}

// OrderEditor 可选能力：并非所有交易所支持原地改单
type OrderEditor interface {
	EditOrder(ctx context.Context, req EditRequest) (*domain.OrderResult, error)
}

// NoChangeDetector 将交易所“无变化/已设置”类错误归一化为布尔结果，
// 核心流程不直接依赖错误文本。
type NoChangeDetector interface {
	IsNoChange(err error) bool
}
