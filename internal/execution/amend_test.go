package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/internal/venue/paper"
)

func placeTP(t *testing.T, h *harness) *domain.OrderResult {
	t.Helper()
	o, err := h.ex.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Type: domain.OrderTypeLimit, Side: domain.SideSell,
		Qty: d("0.01"), Price: dp("101000"), TimeInForce: domain.TimeInForceGTC,
		ReduceOnly: true, PositionSide: domain.PositionBoth, ClientOrderID: "px-tp-1-aaaaaaaa",
	})
	require.NoError(t, err)
	return o
}

func newAmender(h *harness, ex ports.Exchange) *Amender {
	return NewAmender(ex, h.rules, h.limiter, paper.Name, "px")
}

func TestAmend_EditInPlace(t *testing.T) {
	h := newHarness(t)
	o := placeTP(t, h)

	res, err := newAmender(h, h.ex).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", OrderID: o.OrderID, NewPrice: dp("101500.05"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MethodEdit, res.Method)
	assert.Equal(t, o.OrderID, res.NewOrder.OrderID)
	assert.True(t, res.NewOrder.Price.Equal(d("101500.1")), "SELL 向上取整")
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, 0, h.ex.CallCount(paper.OpCancel))
}

func TestAmend_NoChangeCountsAsSuccess(t *testing.T) {
	h := newHarness(t)
	o := placeTP(t, h)

	res, err := newAmender(h, h.ex).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", ClientID: o.ClientOrderID, NewPrice: dp("101000"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MethodEdit, res.Method)
	assert.Contains(t, res.Warnings, "venue reported no change")
}

func TestAmend_CancelRecreatePreservesFlags(t *testing.T) {
	h := newHarness(t)
	o := placeTP(t, h)

	res, err := newAmender(h, paper.WithoutEdit(h.ex)).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", OrderID: o.OrderID, NewPrice: dp("102000"), NewQty: dp("0.02"),
		NewClientID: "px-tp-2-bbbbbbbb",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MethodCancelRecreate, res.Method)
	assert.Equal(t, o.OrderID, res.OriginalOrderID)
	assert.NotEqual(t, o.OrderID, res.NewOrder.OrderID)
	assert.Equal(t, "px-tp-2-bbbbbbbb", res.NewOrder.ClientOrderID)
	assert.True(t, res.NewOrder.ReduceOnly)
	assert.Equal(t, domain.PositionBoth, res.NewOrder.PositionSide)
	assert.True(t, res.NewOrder.Qty.Equal(d("0.02")))

	old, _ := h.ex.Order(o.OrderID)
	assert.Equal(t, domain.OrderStatusCanceled, old.Status)
}

func TestAmend_RequiresClientIDWithoutRequote(t *testing.T) {
	h := newHarness(t)
	o := placeTP(t, h)

	_, err := newAmender(h, paper.WithoutEdit(h.ex)).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", OrderID: o.OrderID, NewPrice: dp("102000"),
	})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	assert.Equal(t, 0, h.ex.CallCount(paper.OpCancel), "拒绝前不得撤单")

	res, err := newAmender(h, paper.WithoutEdit(h.ex)).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", OrderID: o.OrderID, NewPrice: dp("102000"), AllowRequote: true,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^px-tp-\d+-[0-9a-f]{8}$`, res.NewOrder.ClientOrderID)
}

func TestAmend_EditFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	o := placeTP(t, h)
	h.ex.FailNext(paper.OpEdit, errors.New("-4028 edit not allowed"))

	res, err := newAmender(h, h.ex).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", OrderID: o.OrderID, NewPrice: dp("102000"), AllowRequote: true,
	})
	require.NoError(t, err)
	assert.Equal(t, MethodCancelRecreate, res.Method)
}

func TestAmend_CancelFailureIsHard(t *testing.T) {
	h := newHarness(t)
	o := placeTP(t, h)
	h.ex.FailNext(paper.OpCancel, errors.New("timeout"))
	creates := h.ex.CallCount(paper.OpCreate)

	_, err := newAmender(h, paper.WithoutEdit(h.ex)).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", OrderID: o.OrderID, NewPrice: dp("102000"), AllowRequote: true,
	})
	require.Error(t, err)
	assert.Equal(t, creates, h.ex.CallCount(paper.OpCreate), "撤单结果不明确时不得重下")
}

func TestAmend_OrderNotFound(t *testing.T) {
	h := newHarness(t)
	a := newAmender(h, h.ex)

	_, err := a.Amend(context.Background(), AmendRequest{Symbol: "BTCUSDT", OrderID: "missing", NewPrice: dp("1")})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = a.Amend(context.Background(), AmendRequest{Symbol: "BTCUSDT", ClientID: "missing", NewPrice: dp("1")})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Equal(t, domain.KindOrderNotFound, domain.KindOf(err))
}

func TestAmend_ValidatesAgainstRules(t *testing.T) {
	h := newHarness(t)
	o := placeTP(t, h)

	_, err := newAmender(h, h.ex).Amend(context.Background(), AmendRequest{
		Symbol: "BTCUSDT", OrderID: o.OrderID, NewQty: dp("0.0001"),
	})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	assert.Equal(t, 0, h.ex.CallCount(paper.OpEdit))
}
