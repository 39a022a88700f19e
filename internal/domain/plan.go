package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeStatus 交易计划的结果状态
type OutcomeStatus string

const (
	OutcomePending    OutcomeStatus = "PENDING"
	OutcomeTakeProfit OutcomeStatus = "TP_HIT"
	OutcomeStoppedOut OutcomeStatus = "STOPPED_OUT"
	OutcomeManual     OutcomeStatus = "MANUAL_CLOSE"
	OutcomeCancelled  OutcomeStatus = "CANCELLED"
	OutcomeExpired    OutcomeStatus = "EXPIRED"
)

// LegRecord 已提交腿的记录（落库用）
type LegRecord struct {
	Role        LegRole          `json:"role"`
	ClientID    string           `json:"client_id,omitempty"`
	OrderID     string           `json:"order_id,omitempty"`
	Side        Side             `json:"side"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	Qty         decimal.Decimal  `json:"qty"`
	SubmittedAt *time.Time       `json:"submitted_at,omitempty"`
}

// FillRecord 成交记录
type FillRecord struct {
	Role     LegRole         `json:"role"`
	OrderID  string          `json:"order_id,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	FilledAt *time.Time      `json:"filled_at,omitempty"`
}

// Outcome 交易结果
type Outcome struct {
	Status    OutcomeStatus    `json:"status"`
	PnL       *decimal.Decimal `json:"pnl,omitempty"`
	RR        *float64         `json:"rr,omitempty"` // realized RR
	MAE       *float64         `json:"mae,omitempty"`
	MFE       *float64         `json:"mfe,omitempty"`
	ExitPrice *decimal.Decimal `json:"exit_price,omitempty"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
	Note      string           `json:"note,omitempty"`
}

// TradePlanSnapshot 一次交易计划的持久化记录。
// 首次写入创建；之后合并：非空字段覆盖，outcome 总是覆盖。
type TradePlanSnapshot struct {
	PlanID           string         `json:"plan_id"`
	TemplateID       string         `json:"template_id"`
	Session          string         `json:"session,omitempty"`
	VolatilityRegime string         `json:"volatility_regime,omitempty"`
	Symbol           string         `json:"symbol"`
	Side             PositionSide   `json:"side"`
	InputsSummary    map[string]any `json:"inputs_summary,omitempty"`
	SubmittedLegs    []LegRecord    `json:"submitted_legs,omitempty"`
	Fills            []FillRecord   `json:"fills,omitempty"`
	Outcome          Outcome        `json:"outcome"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// EntryLeg 返回提交的 entry 腿记录
func (s *TradePlanSnapshot) EntryLeg() *LegRecord {
	for i := range s.SubmittedLegs {
		if s.SubmittedLegs[i].Role == LegEntry {
			return &s.SubmittedLegs[i]
		}
	}
	return nil
}

// Fill 返回指定角色的第一笔成交
func (s *TradePlanSnapshot) Fill(role LegRole) *FillRecord {
	for i := range s.Fills {
		if s.Fills[i].Role == role {
			return &s.Fills[i]
		}
	}
	return nil
}

// StopLeg 返回提交的止损腿记录
func (s *TradePlanSnapshot) StopLeg() *LegRecord {
	for i := range s.SubmittedLegs {
		if s.SubmittedLegs[i].Role == LegStop {
			return &s.SubmittedLegs[i]
		}
	}
	return nil
}
