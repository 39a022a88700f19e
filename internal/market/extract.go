package market

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

// 字段名（MissingFields 中使用）
const (
	FieldTickSize    = "tickSize"
	FieldStepSize    = "stepSize"
	FieldMinQty      = "minQty"
	FieldMinNotional = "minNotional"
)

// Extract 从交易所原始元数据提取交易规则，永不失败。
//
// 每个字段的查找顺序：结构化 precision/limits 字段 -> venue filters 列表 -> 常量缺省。
// 使用了缺省值的字段记录在 MissingFields，调用方在精度敏感操作前必须检查。
func Extract(symbol string, raw map[string]any, now time.Time) *domain.MarketRules {
	info := asMap(raw["info"])
	filters := filterIndex(raw, info)
	mode := precisionModeOf(raw)

	rules := &domain.MarketRules{Symbol: symbol, FetchedAt: now}
	var missing, guessed []string

	pick := func(field string, def decimal.Decimal, sources ...func() (decimal.Decimal, bool)) decimal.Decimal {
		for _, src := range sources {
			if v, ok := src(); ok {
				return v
			}
		}
		missing = append(missing, field)
		return def
	}

	rules.TickSize = pick(FieldTickSize, domain.DefaultTickSize,
		func() (decimal.Decimal, bool) {
			return precisionIncrement(path(raw, "precision", "price"), mode, FieldTickSize, &guessed)
		},
		func() (decimal.Decimal, bool) { return positive(filters.get("PRICE_FILTER", "tickSize")) },
	)
	rules.StepSize = pick(FieldStepSize, domain.DefaultStepSize,
		func() (decimal.Decimal, bool) {
			return precisionIncrement(path(raw, "precision", "amount"), mode, FieldStepSize, &guessed)
		},
		func() (decimal.Decimal, bool) { return positive(filters.get("LOT_SIZE", "stepSize")) },
	)
	rules.MinQty = pick(FieldMinQty, domain.DefaultMinQty,
		func() (decimal.Decimal, bool) { return positive(path(raw, "limits", "amount", "min")) },
		func() (decimal.Decimal, bool) { return positive(filters.get("LOT_SIZE", "minQty")) },
	)
	rules.MinNotional = pick(FieldMinNotional, domain.DefaultMinNotional,
		func() (decimal.Decimal, bool) { return positive(path(raw, "limits", "cost", "min")) },
		func() (decimal.Decimal, bool) { return positive(filters.get("MIN_NOTIONAL", "notional")) },
		func() (decimal.Decimal, bool) { return positive(filters.get("MIN_NOTIONAL", "minNotional")) },
	)

	rules.PricePrecision = intOr(firstOf(info["pricePrecision"], raw["pricePrecision"]), marketmath.DecimalPlaces(rules.TickSize))
	rules.QtyPrecision = intOr(firstOf(info["quantityPrecision"], raw["quantityPrecision"]), marketmath.DecimalPlaces(rules.StepSize))

	if lev, ok := positive(path(raw, "limits", "leverage", "max")); ok {
		n := int(lev.IntPart())
		rules.MaxLeverage = &n
	}

	var notes []string
	if len(missing) > 0 {
		rules.MissingFields = missing
		notes = append(notes, fmt.Sprintf("defaults used for %s; venue may reject precision-sensitive orders",
			strings.Join(missing, ", ")))
	}
	if len(guessed) > 0 {
		notes = append(notes, fmt.Sprintf("precisionMode not declared; integer %s read as decimal places",
			strings.Join(guessed, ", ")))
	}
	rules.DowngradeNote = strings.Join(notes, "; ")
	return rules
}

type filters map[string]map[string]any

func (f filters) get(filterType, key string) any {
	if m, ok := f[filterType]; ok {
		return m[key]
	}
	return nil
}

// filterIndex 兼容 ccxt 风格（info.filters）与原始 exchangeInfo（filters）
func filterIndex(raw, info map[string]any) filters {
	out := filters{}
	for _, src := range []any{info["filters"], raw["filters"]} {
		list, ok := src.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			m := asMap(item)
			ft, _ := m["filterType"].(string)
			if ft == "" {
				continue
			}
			if _, exists := out[ft]; !exists {
				out[ft] = m
			}
		}
	}
	return out
}

// precisionMode precision 字段的含义
type precisionMode int

const (
	modeUnknown precisionMode = iota
	modeDecimalPlaces
	modeTickSize
)

// ccxt 的 precisionMode 常量
const (
	ccxtDecimalPlaces = 2
	ccxtTickSize      = 4
)

func precisionModeOf(raw map[string]any) precisionMode {
	switch v := raw["precisionMode"].(type) {
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "DECIMAL_PLACES":
			return modeDecimalPlaces
		case "TICK_SIZE":
			return modeTickSize
		}
	case float64:
		return ccxtMode(int(v))
	case int:
		return ccxtMode(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return ccxtMode(int(n))
		}
	}
	return modeUnknown
}

func ccxtMode(n int) precisionMode {
	switch n {
	case ccxtDecimalPlaces:
		return modeDecimalPlaces
	case ccxtTickSize:
		return modeTickSize
	}
	return modeUnknown
}

// precisionIncrement 将 precision 值换算为网格增量。
// DECIMAL_PLACES 按小数位数处理（2 -> 0.01），TICK_SIZE 取字面值。
// 未声明模式时 >=1 的整数按小数位数猜测，并记入 guessed。
func precisionIncrement(v any, mode precisionMode, field string, guessed *[]string) (decimal.Decimal, bool) {
	d, ok := toDecimal(v)
	if !ok || d.IsNegative() {
		return decimal.Zero, false
	}
	digits := mode == modeDecimalPlaces
	if mode == modeUnknown && d.IsInteger() && d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		digits = true
		*guessed = append(*guessed, field)
	}
	if digits {
		if !d.IsInteger() || d.GreaterThan(decimal.NewFromInt(18)) {
			return decimal.Zero, false
		}
		return decimal.New(1, -int32(d.IntPart())), true
	}
	if d.IsZero() {
		return decimal.Zero, false
	}
	return d, true
}

func positive(v any) (decimal.Decimal, bool) {
	d, ok := toDecimal(v)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return t, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	}
	return decimal.Zero, false
}

func intOr(v any, def int) int {
	d, ok := toDecimal(v)
	if !ok || d.IsNegative() || !d.IsInteger() {
		return def
	}
	return int(d.IntPart())
}

func firstOf(vs ...any) any {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func path(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[k]
	}
	return cur
}
