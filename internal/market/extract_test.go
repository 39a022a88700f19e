package market

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/pkg/ratelimit"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestExtract_StructuredPrecision(t *testing.T) {
	raw := map[string]any{
		"symbol":    "BTC/USDT:USDT",
		"precision": map[string]any{"price": 0.1, "amount": 0.001},
		"limits": map[string]any{
			"amount":   map[string]any{"min": 0.001},
			"cost":     map[string]any{"min": 100.0},
			"leverage": map[string]any{"max": 125.0},
		},
	}
	r := Extract("BTCUSDT", raw, time.Unix(0, 0))
	assert.True(t, r.TickSize.Equal(dec("0.1")))
	assert.True(t, r.StepSize.Equal(dec("0.001")))
	assert.True(t, r.MinQty.Equal(dec("0.001")))
	assert.True(t, r.MinNotional.Equal(dec("100")))
	assert.Equal(t, 1, r.PricePrecision)
	assert.Equal(t, 3, r.QtyPrecision)
	require.NotNil(t, r.MaxLeverage)
	assert.Equal(t, 125, *r.MaxLeverage)
	assert.Empty(t, r.MissingFields)
	assert.False(t, r.Degraded())
}

func TestExtract_FilterListFallback(t *testing.T) {
	raw := map[string]any{
		"symbol":            "ETHUSDT",
		"pricePrecision":    2,
		"quantityPrecision": 3,
		"filters": []any{
			map[string]any{"filterType": "PRICE_FILTER", "tickSize": "0.01", "minPrice": "39.86"},
			map[string]any{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001"},
			map[string]any{"filterType": "MIN_NOTIONAL", "notional": "20"},
		},
	}
	r := Extract("ETHUSDT", raw, time.Now())
	assert.True(t, r.TickSize.Equal(dec("0.01")))
	assert.True(t, r.StepSize.Equal(dec("0.001")))
	assert.True(t, r.MinQty.Equal(dec("0.001")))
	assert.True(t, r.MinNotional.Equal(dec("20")))
	assert.Empty(t, r.MissingFields)
}

func TestExtract_CCXTInfoFilters(t *testing.T) {
	raw := map[string]any{
		"precision": map[string]any{},
		"info": map[string]any{
			"filters": []any{
				map[string]any{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
				map[string]any{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001"},
				map[string]any{"filterType": "MIN_NOTIONAL", "minNotional": "5"},
			},
		},
	}
	r := Extract("BTCUSDT", raw, time.Now())
	assert.True(t, r.TickSize.Equal(dec("0.1")))
	assert.True(t, r.MinNotional.Equal(dec("5")))
	assert.Empty(t, r.MissingFields)
}

func TestExtract_DefaultsWhenMissing(t *testing.T) {
	r := Extract("BTCUSDT", map[string]any{}, time.Now())
	assert.True(t, r.TickSize.Equal(dec("0.01")))
	assert.True(t, r.StepSize.Equal(dec("0.001")))
	assert.True(t, r.MinQty.Equal(dec("0.001")))
	assert.True(t, r.MinNotional.Equal(dec("5")))
	assert.Equal(t, []string{FieldTickSize, FieldStepSize, FieldMinQty, FieldMinNotional}, r.MissingFields)
	assert.NotEmpty(t, r.DowngradeNote)
	assert.True(t, r.Degraded())
}

func TestExtract_DecimalPlacesPrecision(t *testing.T) {
	raw := map[string]any{
		"precisionMode": "DECIMAL_PLACES",
		"precision":     map[string]any{"price": 2, "amount": 3},
	}
	r := Extract("ETHUSDT", raw, time.Now())
	assert.True(t, r.TickSize.Equal(dec("0.01")))
	assert.True(t, r.StepSize.Equal(dec("0.001")))
	assert.ElementsMatch(t, []string{FieldMinQty, FieldMinNotional}, r.MissingFields)
}

func TestExtract_TickSizeModeKeepsIntegerIncrements(t *testing.T) {
	for _, mode := range []any{"TICK_SIZE", float64(4)} {
		raw := map[string]any{
			"precisionMode": mode,
			"precision":     map[string]any{"price": 5.0, "amount": 1.0},
		}
		r := Extract("BTCUSDT", raw, time.Now())
		assert.True(t, r.TickSize.Equal(dec("5")), "mode=%v tick=%s", mode, r.TickSize)
		assert.True(t, r.StepSize.Equal(dec("1")), "mode=%v step=%s", mode, r.StepSize)
		assert.NotContains(t, r.DowngradeNote, "decimal places")
	}

	// ccxt 整数常量 2 = DECIMAL_PLACES
	r := Extract("BTCUSDT", map[string]any{
		"precisionMode": float64(2),
		"precision":     map[string]any{"price": 1.0, "amount": 3.0},
	}, time.Now())
	assert.True(t, r.TickSize.Equal(dec("0.1")))
	assert.True(t, r.StepSize.Equal(dec("0.001")))
}

func TestExtract_UndeclaredModeNotesIntegerGuess(t *testing.T) {
	raw := map[string]any{
		"precision": map[string]any{"price": 1, "amount": 0.001},
	}
	r := Extract("BTCUSDT", raw, time.Now())
	assert.True(t, r.TickSize.Equal(dec("0.1")))
	assert.True(t, r.StepSize.Equal(dec("0.001")))
	assert.Contains(t, r.DowngradeNote, "precisionMode not declared")
	assert.Contains(t, r.DowngradeNote, FieldTickSize)
	assert.NotContains(t, r.DowngradeNote, FieldStepSize)
}

func TestExtract_IgnoresNonPositive(t *testing.T) {
	raw := map[string]any{
		"precision": map[string]any{"price": 0.0, "amount": "-1"},
	}
	r := Extract("BTCUSDT", raw, time.Now())
	assert.Contains(t, r.MissingFields, FieldTickSize)
	assert.Contains(t, r.MissingFields, FieldStepSize)
}

type countingLoader struct {
	calls atomic.Int32
	raw   map[string]any
	err   error
}

func (l *countingLoader) LoadMarketMetadata(context.Context, string) (map[string]any, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.raw, nil
}

func TestResolver_CachesAndInvalidates(t *testing.T) {
	loader := &countingLoader{raw: map[string]any{"precision": map[string]any{"price": 0.1, "amount": 0.001}}}
	lim := ratelimit.New(ratelimit.Config{BaseInterval: time.Nanosecond})
	r := NewResolver(loader, lim, "paper", time.Minute)

	a, err := r.Rules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	b, err := r.Rules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int32(1), loader.calls.Load())

	r.Invalidate("BTCUSDT")
	_, err = r.Rules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestResolver_FallsBackToLastKnown(t *testing.T) {
	loader := &countingLoader{raw: map[string]any{"precision": map[string]any{"price": 0.1}}}
	lim := ratelimit.New(ratelimit.Config{BaseInterval: time.Nanosecond})
	r := NewResolver(loader, lim, "paper", time.Minute)

	first, err := r.Rules(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	r.Invalidate("BTCUSDT")
	loader.err = errors.New("timeout")
	got, err := r.Rules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = r.Rules(context.Background(), "ETHUSDT")
	assert.Error(t, err, "从未成功加载过的品种直接返回错误")
}
