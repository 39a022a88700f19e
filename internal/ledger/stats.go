package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/betbot/perpexec/internal/domain"
)

// Percentile nearest-rank 分位数：升序后取 ceil(p/100·n)-1（夹在 [0, n-1]），不插值。
// values 会被排序；空切片返回 0。
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sort.Float64s(values)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return values[idx]
}

// ComputeStats 由已筛选的交易计划计算模板统计。
//
// completed = 状态非 PENDING 且有实际 RR；win = completed 且 pnl > 0，其余 completed 计为 loss。
// 建议值是经验启发式，不构成盈利保证。
func ComputeStats(f domain.StatsFilter, plans []*domain.TradePlanSnapshot, now time.Time) *domain.TemplateStats {
	st := &domain.TemplateStats{
		TemplateID:  f.TemplateID,
		Filters:     f,
		TotalTrades: len(plans),
		ComputedAt:  now,
	}

	var (
		rrs, maes, mfes     []float64
		fillTimes, slippage []float64
		submitted, filled   int
	)
	for _, p := range plans {
		if entry := p.EntryLeg(); entry != nil {
			submitted++
			if fill := p.Fill(domain.LegEntry); fill != nil {
				filled++
				if entry.SubmittedAt != nil && fill.FilledAt != nil {
					fillTimes = append(fillTimes, fill.FilledAt.Sub(*entry.SubmittedAt).Seconds())
				}
			}
		}

		o := p.Outcome
		if o.Status == domain.OutcomeStoppedOut {
			if s, ok := stopSlippagePct(p); ok {
				slippage = append(slippage, s)
			}
		}
		if o.Status == domain.OutcomePending || o.Status == "" || o.RR == nil {
			continue
		}
		st.SampleSize++
		rrs = append(rrs, *o.RR)
		if o.PnL != nil && o.PnL.IsPositive() {
			st.Wins++
		} else {
			st.Losses++
		}
		if o.MAE != nil {
			maes = append(maes, *o.MAE)
		}
		if o.MFE != nil {
			mfes = append(mfes, *o.MFE)
		}
	}

	if st.SampleSize > 0 {
		st.Winrate = float64(st.Wins) / float64(st.SampleSize)
	}
	st.AvgRR = mean(rrs)
	st.RRPercentiles = domain.RRPercentiles{
		P25: Percentile(rrs, 25),
		P50: Percentile(rrs, 50),
		P75: Percentile(rrs, 75),
		P90: Percentile(rrs, 90),
	}
	st.AvgMAE = mean(maes)
	st.AvgMFE = mean(mfes)
	if submitted > 0 {
		st.FillRate = float64(filled) / float64(submitted)
	}
	st.AvgTimeToFillSec = mean(fillTimes)
	st.StopSlippageP95 = Percentile(slippage, 95)

	st.SuggestedPBase = domain.Range{
		Min: math.Max(0.3, st.Winrate-0.1),
		Max: math.Min(0.7, st.Winrate+0.1),
	}
	st.BreakevenRR = 2
	if st.Winrate > 0 {
		st.BreakevenRR = (1 - st.Winrate) / st.Winrate
	}
	st.SuggestedRRMin = math.Max(1.5, 1.2*st.BreakevenRR)
	return st
}

// stopSlippagePct |止损成交价 - 触发价| / 触发价 × 100
func stopSlippagePct(p *domain.TradePlanSnapshot) (float64, bool) {
	leg := p.StopLeg()
	fill := p.Fill(domain.LegStop)
	if leg == nil || fill == nil {
		return 0, false
	}
	req := leg.StopPrice
	if req == nil {
		req = leg.Price
	}
	if req == nil || !req.IsPositive() {
		return 0, false
	}
	pct, _ := fill.Price.Sub(*req).Abs().Div(*req).Mul(hundred).Float64()
	return pct, true
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
