package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/persistence"
)

func TestGuard_Whitelist(t *testing.T) {
	g := NewGuard(nil, CircuitBreakerConfig{})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, g.Symbols())
	assert.NoError(t, g.CheckSymbol("op", "BTCUSDT"))
	assert.NoError(t, g.CheckSymbol("op", "eth/usdt:usdt"))

	err := g.CheckSymbol("place bracket", "SOLUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSymbolNotAllowed)
	assert.Equal(t, domain.KindSymbolNotAllowed, domain.KindOf(err))
}

func TestGuard_RollbackFailureHaltsUntilResume(t *testing.T) {
	g := NewGuard(nil, CircuitBreakerConfig{})
	g.OnBracketResult("BTCUSDT", true, false)

	err := g.AllowOpen("place bracket", "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrTradingHalted)
	assert.NoError(t, g.AllowOpen("place bracket", "ETHUSDT"), "熔断按品种隔离")

	require.NoError(t, g.Resume("BTCUSDT"))
	assert.NoError(t, g.AllowOpen("place bracket", "BTCUSDT"))
	assert.Error(t, g.Resume("SOLUSDT"))
}

func TestGuard_ConsecutiveErrors(t *testing.T) {
	g := NewGuard([]string{"BTCUSDT"}, CircuitBreakerConfig{MaxConsecutiveErrors: 2})
	g.OnBracketResult("BTCUSDT", false, true)
	assert.NoError(t, g.AllowOpen("op", "BTCUSDT"))
	g.OnBracketResult("BTCUSDT", false, true)
	assert.ErrorIs(t, g.AllowOpen("op", "BTCUSDT"), domain.ErrTradingHalted)

	st := g.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].Halted)
	assert.Equal(t, "too many consecutive order errors", st[0].Reason)
}

func TestCircuitBreaker_DailyLoss(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{DailyLossLimit: decimal.NewFromInt(100)})
	day := time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local)
	cb.now = func() time.Time { return day }

	cb.AddPnL(decimal.NewFromInt(-60))
	assert.NoError(t, cb.AllowTrading())
	cb.AddPnL(decimal.NewFromInt(-40))
	assert.ErrorIs(t, cb.AllowTrading(), ErrCircuitBreakerOpen)

	cb.Resume()
	day = day.Add(24 * time.Hour)
	assert.NoError(t, cb.AllowTrading(), "跨日清零")
	assert.True(t, cb.DailyPnL().IsZero())
}

func TestGuard_HaltSurvivesRestart(t *testing.T) {
	svc := persistence.NewJSONFileService(t.TempDir())
	store := func() persistence.Store { return svc.NewStore("state", "risk", "halts") }

	g := NewGuard(nil, CircuitBreakerConfig{}, WithStateStore(store()))
	g.OnBracketResult("ETHUSDT", true, false)
	require.NoError(t, g.Halt("BTCUSDT", "maintenance"))

	restarted := NewGuard(nil, CircuitBreakerConfig{}, WithStateStore(store()))
	assert.ErrorIs(t, restarted.AllowOpen("place bracket", "ETHUSDT"), domain.ErrTradingHalted)
	status := restarted.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "maintenance", status[0].Reason)
	assert.True(t, status[1].Halted)

	require.NoError(t, restarted.Resume("ETHUSDT"))
	require.NoError(t, restarted.Resume("BTCUSDT"))
	again := NewGuard(nil, CircuitBreakerConfig{}, WithStateStore(store()))
	assert.NoError(t, again.AllowOpen("place bracket", "ETHUSDT"))
	assert.NoError(t, again.AllowOpen("place bracket", "BTCUSDT"))
}
