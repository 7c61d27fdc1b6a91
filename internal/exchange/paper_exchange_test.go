package exchange

import (
	"context"
	"errors"
	"testing"

	"mmbot-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaper() *PaperExchange {
	return NewPaperExchange(models.PaperConfig{
		Balances:     map[string]float64{"USDT": 10000, "GCB": 1000},
		Prices:       map[string]float64{"GCBUSDT": 1.0},
		BookLevels:   5,
		LevelSpacing: 0.01,
		LevelQty:     100,
	}, "USDT", nil)
}

func TestPaperMarketBuyWalksAsks(t *testing.T) {
	ex := newTestPaper()
	ctx := context.Background()
	ex.SetBook("GCBUSDT", 1.0, nil, []models.PriceLevel{
		{Price: 1.0, Quantity: 50},
		{Price: 1.1, Quantity: 50},
		{Price: 1.2, Quantity: 50},
	})

	order, err := ex.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Buy, Type: models.Market, QuoteQuantity: 105, ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.InDelta(t, 105, order.CumQuote, 1e-9)
	assert.InDelta(t, 100, order.ExecutedQty, 1e-9)

	ticker, err := ex.GetTicker(ctx, "GCBUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 1.1, ticker.LastPrice, 1e-9, "price moves to the last consumed level")
	assert.InDelta(t, 1.2, ticker.AskPrice, 1e-9)

	balances, err := ex.GetBalances(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000-105, balances["USDT"].Free, 1e-9)
	assert.InDelta(t, 1100, balances["GCB"].Free, 1e-9)
}

func TestPaperLimitOrderRestsAndFillsOnPriceMove(t *testing.T) {
	ex := newTestPaper()
	ctx := context.Background()

	order, err := ex.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Buy, Type: models.Limit, Quantity: 100, Price: 0.95, ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusNew, order.Status)

	open, err := ex.GetOpenOrders(ctx, "GCBUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	balances, _ := ex.GetBalances(ctx)
	assert.InDelta(t, 95, balances["USDT"].Locked, 1e-9)

	ex.SetPrice("GCBUSDT", 0.94)

	filled, err := ex.GetOrderByClientID(ctx, "GCBUSDT", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, filled.Status)

	balances, _ = ex.GetBalances(ctx)
	assert.InDelta(t, 0, balances["USDT"].Locked, 1e-9)
	assert.InDelta(t, 1100, balances["GCB"].Free, 1e-9)
}

func TestPaperCancelUnknownOrderIsNotFound(t *testing.T) {
	ex := newTestPaper()
	err := ex.CancelOrder(context.Background(), "GCBUSDT", 42, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderNotFound))
	assert.True(t, models.IsRejected(err))
}

func TestPaperCancelReleasesLockedFunds(t *testing.T) {
	ex := newTestPaper()
	ctx := context.Background()
	order, err := ex.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Sell, Type: models.Limit, Quantity: 10, Price: 2, ClientOrderID: "s1",
	})
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(ctx, "GCBUSDT", order.OrderID, ""))

	balances, _ := ex.GetBalances(ctx)
	assert.InDelta(t, 1000, balances["GCB"].Free, 1e-9)
	assert.InDelta(t, 0, balances["GCB"].Locked, 1e-9)
}

func TestPaperRejectsInsufficientBalanceAndDuplicates(t *testing.T) {
	ex := newTestPaper()
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Sell, Type: models.Market, Quantity: 5000, ClientOrderID: "big",
	})
	assert.True(t, models.IsRejected(err))

	_, err = ex.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Buy, Type: models.Market, QuoteQuantity: 10, ClientOrderID: "dup",
	})
	require.NoError(t, err)
	_, err = ex.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Buy, Type: models.Market, QuoteQuantity: 10, ClientOrderID: "dup",
	})
	assert.True(t, models.IsRejected(err))
}

func TestPaperFailureInjection(t *testing.T) {
	ex := newTestPaper()
	ctx := context.Background()

	ex.FailNext("ticker", errors.New("502 bad gateway"))
	_, err := ex.GetTicker(ctx, "GCBUSDT")
	assert.True(t, models.IsTransient(err))
	_, err = ex.GetTicker(ctx, "GCBUSDT")
	assert.NoError(t, err)
	assert.Equal(t, 2, ex.Calls("ticker"))

	ex.LoseNextResponse()
	_, err = ex.PlaceOrder(ctx, models.OrderParams{
		Symbol: "GCBUSDT", Side: models.Buy, Type: models.Market, QuoteQuantity: 10, ClientOrderID: "lost",
	})
	assert.True(t, models.IsTransient(err))

	order, err := ex.GetOrderByClientID(ctx, "GCBUSDT", "lost")
	require.NoError(t, err, "the order reached the venue even though the response was lost")
	assert.Equal(t, models.OrderStatusFilled, order.Status)
}

func TestPaperUnknownSymbolIsConfigurationError(t *testing.T) {
	ex := newTestPaper()
	_, err := ex.GetDepth(context.Background(), "NOPEUSDT", 5)
	assert.True(t, models.IsConfiguration(err))
}
