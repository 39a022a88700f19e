package marketmath

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Side 下单方向，决定价格取整的“保守方向”。
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ErrInvalidGrid 表示 tick/step 非正（配置错误，不可恢复）。
var ErrInvalidGrid = errors.New("invalid grid: increment must be > 0")

// RoundPrice 将价格对齐到 tick 网格。
//
// BUY 向下取整（更低 = 更保守，可能不成交），SELL 向上取整。
// 结果按 tick 的小数位重新量化，消除累计误差。
func RoundPrice(price, tickSize decimal.Decimal, side Side) (decimal.Decimal, error) {
	if !tickSize.IsPositive() {
		return decimal.Zero, ErrInvalidGrid
	}
	// QuoRem(precision=0)：整数商向零截断，余数精确
	ticks, rem := price.QuoRem(tickSize, 0)
	switch side {
	case Sell:
		if rem.IsPositive() {
			ticks = ticks.Add(decimal.NewFromInt(1))
		}
	default:
		if rem.IsNegative() {
			ticks = ticks.Sub(decimal.NewFromInt(1))
		}
	}
	return ticks.Mul(tickSize).Round(int32(DecimalPlaces(tickSize))), nil
}

// RoundQty 将数量向零截断到 step 网格。
func RoundQty(qty, stepSize decimal.Decimal) (decimal.Decimal, error) {
	if !stepSize.IsPositive() {
		return decimal.Zero, ErrInvalidGrid
	}
	steps, _ := qty.QuoRem(stepSize, 0)
	return steps.Mul(stepSize).Round(int32(DecimalPlaces(stepSize))), nil
}

// DecimalPlaces 返回网格增量的有效小数位数，例如 0.10 -> 1，1e-8 -> 8，5 -> 0。
func DecimalPlaces(increment decimal.Decimal) int {
	if !increment.IsPositive() {
		return 0
	}
	// String() 已去掉尾随 0，且不会输出科学计数法
	s := increment.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(s) - idx - 1
}

// IsAligned 判断 v 是否恰好落在网格上。
func IsAligned(v, increment decimal.Decimal) bool {
	if !increment.IsPositive() {
		return false
	}
	_, rem := v.QuoRem(increment, 0)
	return rem.IsZero()
}

// RoundPriceFloat float64 便捷封装（调用方持有 float 时使用）。
func RoundPriceFloat(price, tickSize float64, side Side) (float64, error) {
	out, err := RoundPrice(decimal.NewFromFloat(price), decimal.NewFromFloat(tickSize), side)
	if err != nil {
		return 0, err
	}
	f, _ := out.Float64()
	return f, nil
}

// RoundQtyFloat float64 便捷封装。
func RoundQtyFloat(qty, stepSize float64) (float64, error) {
	out, err := RoundQty(decimal.NewFromFloat(qty), decimal.NewFromFloat(stepSize))
	if err != nil {
		return 0, err
	}
	f, _ := out.Float64()
	return f, nil
}
