package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }
func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func btcRules() *domain.MarketRules {
	return &domain.MarketRules{
		Symbol:      "BTCUSDT",
		TickSize:    d("0.1"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("100"),
	}
}

func TestValidate_AlignedInputs(t *testing.T) {
	res := Validate(dp("100000.1"), d("0.01"), domain.SideBuy, btcRules())
	require.True(t, res.Valid, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.True(t, res.Adjusted.Price.Equal(d("100000.1")))
	assert.True(t, res.Adjusted.Qty.Equal(d("0.01")))
	require.NotNil(t, res.Notional)
	assert.True(t, res.Notional.Equal(d("1000.001")))
}

func TestValidate_AdjustsWithWarnings(t *testing.T) {
	res := Validate(dp("100000.15"), d("0.0105"), domain.SideSell, btcRules())
	require.True(t, res.Valid, res.Errors)
	assert.Len(t, res.Warnings, 2)
	assert.True(t, res.Adjusted.Price.Equal(d("100000.2")), "SELL 向上取整")
	assert.True(t, res.Adjusted.Qty.Equal(d("0.01")))
}

func TestValidate_BelowMinQty(t *testing.T) {
	res := Validate(dp("100000"), d("0.0009"), domain.SideBuy, btcRules())
	assert.False(t, res.Valid)
	assert.True(t, res.Adjusted.Qty.IsZero())
	assert.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Err("validate", "BTCUSDT"), domain.ErrValidationFailed)
}

func TestValidate_BelowMinNotional(t *testing.T) {
	res := Validate(dp("50000"), d("0.001"), domain.SideBuy, btcRules())
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "notional")
}

func TestValidate_NoPriceSkipsNotional(t *testing.T) {
	res := Validate(nil, d("0.001"), domain.SideBuy, btcRules())
	assert.True(t, res.Valid)
	assert.Nil(t, res.Notional)
	assert.Nil(t, res.Adjusted.Price)
	assert.Contains(t, res.Warnings, "no price given, notional not checked")
}

func TestValidate_InvalidGridBecomesError(t *testing.T) {
	rules := btcRules()
	rules.TickSize = decimal.Zero
	res := Validate(dp("100"), d("1"), domain.SideBuy, rules)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "price")
}

func TestValidate_DegradedWarns(t *testing.T) {
	rules := btcRules()
	rules.MissingFields = []string{"tick_size"}
	res := Validate(dp("100000"), d("0.01"), domain.SideBuy, rules)
	assert.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "degraded precision")
}

func TestValidate_NonPositiveInputs(t *testing.T) {
	res := Validate(dp("-1"), d("0"), domain.SideBuy, btcRules())
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
	assert.Nil(t, res.Notional)
}
