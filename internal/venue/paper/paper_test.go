package paper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
)

type updates struct {
	mu  sync.Mutex
	got []*domain.OrderResult
}

func (u *updates) OnOrderUpdate(_ context.Context, o *domain.OrderResult) {
	u.mu.Lock()
	u.got = append(u.got, o)
	u.mu.Unlock()
}

func limit(symbol string, side domain.Side, price, qty string) domain.OrderRequest {
	p := decimal.RequireFromString(price)
	return domain.OrderRequest{
		Symbol: symbol, Type: domain.OrderTypeLimit, Side: side,
		Qty: decimal.RequireFromString(qty), Price: &p, TimeInForce: domain.TimeInForceGTC,
	}
}

func TestExchange_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	ex := New()
	u := &updates{}
	ex.SetOrderUpdateHandler(u)

	o, err := ex.CreateOrder(ctx, limit("BTCUSDT", domain.SideBuy, "100000", "0.01"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, o.Status)

	open, err := ex.FetchOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, ex.Fill(o.OrderID, nil))
	got, err := ex.FetchOrder(ctx, "BTCUSDT", o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("0.01")))
	assert.Error(t, ex.CancelOrder(ctx, "BTCUSDT", o.OrderID), "已成交订单不可撤")

	pos, err := ex.FetchPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, domain.PositionLong, pos[0].PositionSide)

	u.mu.Lock()
	assert.Len(t, u.got, 1)
	u.mu.Unlock()
}

func TestExchange_FailureInjection(t *testing.T) {
	ctx := context.Background()
	ex := New()
	boom := errors.New("boom")
	ex.FailNext(OpCreate, boom)

	_, err := ex.CreateOrder(ctx, limit("BTCUSDT", domain.SideBuy, "100000", "0.01"))
	assert.ErrorIs(t, err, boom)
	_, err = ex.CreateOrder(ctx, limit("BTCUSDT", domain.SideBuy, "100000", "0.01"))
	assert.NoError(t, err, "注入只生效一次")

	ex.FailCreateWhen(func(r domain.OrderRequest) bool { return r.ReduceOnly }, boom)
	req := limit("BTCUSDT", domain.SideSell, "110000", "0.01")
	req.ReduceOnly = true
	_, err = ex.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, ex.CallCount(OpCreate))
}

func TestExchange_EditAndNoChange(t *testing.T) {
	ctx := context.Background()
	ex := New()
	o, err := ex.CreateOrder(ctx, limit("ETHUSDT", domain.SideBuy, "3000", "1"))
	require.NoError(t, err)

	_, err = ex.EditOrder(ctx, ports.EditRequest{Symbol: "ETHUSDT", OrderID: o.OrderID, Qty: o.Qty, Price: o.Price})
	assert.True(t, ex.IsNoChange(err))

	p := decimal.RequireFromString("2990")
	edited, err := ex.EditOrder(ctx, ports.EditRequest{Symbol: "ETHUSDT", OrderID: o.OrderID, Qty: o.Qty, Price: &p})
	require.NoError(t, err)
	assert.True(t, edited.Price.Equal(p))

	_, isEditor := WithoutEdit(ex).(ports.OrderEditor)
	assert.False(t, isEditor)
}

func TestExchange_SetLeverage(t *testing.T) {
	ex := New()
	require.NoError(t, ex.SetLeverage(context.Background(), "BTCUSDT", 10))
	assert.True(t, ex.IsNoChange(ex.SetLeverage(context.Background(), "BTCUSDT", 10)))

	tiers, err := ex.FetchLeverageTiers(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 125, tiers[0].InitialLeverage)
}

func TestExchange_UnknownOrder(t *testing.T) {
	_, err := New().FetchOrder(context.Background(), "BTCUSDT", "nope")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
