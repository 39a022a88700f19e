package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 缺省网格（交易所元数据缺失时使用，必须配合 MissingFields 判断可信度）
var (
	DefaultTickSize    = decimal.RequireFromString("0.01")
	DefaultStepSize    = decimal.RequireFromString("0.001")
	DefaultMinQty      = decimal.RequireFromString("0.001")
	DefaultMinNotional = decimal.NewFromInt(5)
)

// MarketRules 交易规则快照（不可变，按 TTL 刷新）
type MarketRules struct {
	Symbol         string          `json:"symbol"`
	TickSize       decimal.Decimal `json:"tick_size"`
	StepSize       decimal.Decimal `json:"step_size"`
	MinQty         decimal.Decimal `json:"min_qty"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	PricePrecision int             `json:"price_precision"`
	QtyPrecision   int             `json:"qty_precision"`
	MaxLeverage    *int            `json:"max_leverage,omitempty"`

	// MissingFields 非空表示部分字段来自缺省值
	MissingFields []string  `json:"missing_fields,omitempty"`
	DowngradeNote string    `json:"downgrade_note,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Degraded 是否使用了缺省值
func (r *MarketRules) Degraded() bool {
	return r != nil && len(r.MissingFields) > 0
}
