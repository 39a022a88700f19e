package domain

import "time"

// StatsFilter 统计过滤条件（空字符串表示不过滤）
type StatsFilter struct {
	TemplateID string `json:"template_id"`
	Session    string `json:"session,omitempty"`
	Regime     string `json:"regime,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
}

// Matches 判断一条记录是否命中过滤条件
func (f StatsFilter) Matches(s *TradePlanSnapshot) bool {
	if s == nil || s.TemplateID != f.TemplateID {
		return false
	}
	if f.Session != "" && s.Session != f.Session {
		return false
	}
	if f.Regime != "" && s.VolatilityRegime != f.Regime {
		return false
	}
	if f.Symbol != "" && s.Symbol != f.Symbol {
		return false
	}
	return true
}

// RRPercentiles RR 分位数（nearest-rank）
type RRPercentiles struct {
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
}

// Range 闭区间
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// TemplateStats 模板表现统计（派生数据，按过滤元组缓存）
type TemplateStats struct {
	TemplateID string      `json:"template_id"`
	Filters    StatsFilter `json:"filters"`

	TotalTrades int     `json:"total_trades"`
	SampleSize  int     `json:"sample_size"` // completed
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	Winrate     float64 `json:"winrate"`

	AvgRR         float64       `json:"avg_rr"`
	RRPercentiles RRPercentiles `json:"rr_percentiles"`
	AvgMAE        float64       `json:"avg_mae"`
	AvgMFE        float64       `json:"avg_mfe"`

	FillRate         float64 `json:"fill_rate"`
	AvgTimeToFillSec float64 `json:"avg_time_to_fill_sec"`
	StopSlippageP95  float64 `json:"stop_slippage_p95_pct"`

	SuggestedPBase Range   `json:"suggested_p_base"`
	SuggestedRRMin float64 `json:"suggested_rr_min"`
	BreakevenRR    float64 `json:"breakeven_rr"`

	ComputedAt time.Time `json:"computed_at"`
}
