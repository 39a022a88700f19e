// Package validation 将数值取整与交易规则组合为“可提交参数”或结构化拒绝。
package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

// Adjusted 取整后的参数（为空表示该字段未参与校验）
type Adjusted struct {
	Price *decimal.Decimal `json:"price,omitempty"`
	Qty   decimal.Decimal  `json:"qty"`
}

// Result 校验结果。Valid = 没有 error；warning 不影响提交。
type Result struct {
	Valid    bool             `json:"valid"`
	Errors   []string         `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Adjusted Adjusted         `json:"adjusted"`
	Notional *decimal.Decimal `json:"notional,omitempty"`
}

// Err 将失败结果转换为结构化错误（Valid 时返回 nil）
func (r Result) Err(op, symbol string) error {
	if r.Valid {
		return nil
	}
	return domain.Errorf(domain.KindValidationFailed, op, symbol, "%s", strings.Join(r.Errors, "; "))
}

// Validate 按规则取整并校验。
//
// price 为 nil 表示市价类订单：跳过价格取整与名义价值检查（记一条 warning）。
// 调用方提交时必须使用 Adjusted 中的值。
func Validate(price *decimal.Decimal, qty decimal.Decimal, side domain.Side, rules *domain.MarketRules) Result {
	res := Result{}
	if rules == nil {
		res.Errors = append(res.Errors, "market rules unavailable")
		return res
	}
	if rules.Degraded() {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("degraded precision: defaults used for %s", strings.Join(rules.MissingFields, ", ")))
	}

	if !qty.IsPositive() {
		res.Errors = append(res.Errors, fmt.Sprintf("qty must be positive, got %s", qty))
	}

	var adjPrice *decimal.Decimal
	if price != nil {
		if !price.IsPositive() {
			res.Errors = append(res.Errors, fmt.Sprintf("price must be positive, got %s", price))
		} else {
			p, err := marketmath.RoundPrice(*price, rules.TickSize, side)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("price: %v", err))
			} else {
				if !p.Equal(*price) {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("price %s adjusted to %s (tick %s, %s)", price, p, rules.TickSize, side))
				}
				adjPrice = &p
			}
		}
	}
	res.Adjusted.Price = adjPrice

	adjQty := qty
	if qty.IsPositive() {
		q, err := marketmath.RoundQty(qty, rules.StepSize)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("qty: %v", err))
		} else {
			if !q.Equal(qty) {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("qty %s adjusted to %s (step %s)", qty, q, rules.StepSize))
			}
			adjQty = q
		}
		if adjQty.LessThan(rules.MinQty) {
			res.Errors = append(res.Errors,
				fmt.Sprintf("qty %s below min qty %s", adjQty, rules.MinQty))
		}
	}
	res.Adjusted.Qty = adjQty

	switch {
	case adjPrice != nil:
		n := adjPrice.Mul(adjQty)
		res.Notional = &n
		if n.LessThan(rules.MinNotional) {
			res.Errors = append(res.Errors,
				fmt.Sprintf("notional %s below min notional %s", n, rules.MinNotional))
		}
	case price == nil:
		res.Warnings = append(res.Warnings, "no price given, notional not checked")
	}

	res.Valid = len(res.Errors) == 0
	return res
}
