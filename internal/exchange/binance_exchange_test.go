package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mmbot-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBinance(t *testing.T, timeout time.Duration, handler http.HandlerFunc) *BinanceExchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBinanceExchange("k", "s", srv.URL, timeout, zap.NewNop())
}

func marketBuy() models.OrderParams {
	return models.OrderParams{Symbol: "GCBUSDT", Side: models.Buy, Type: models.Market, QuoteQuantity: 10, ClientOrderID: "mmb-1"}
}

func TestBinancePlaceOrder(t *testing.T) {
	ex := newTestBinance(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-MBX-APIKEY"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"GCBUSDT","orderId":42,"clientOrderId":"mmb-1","transactTime":1700000000000,
			"price":"0.00000000","origQty":"10.00000000","executedQty":"10.00000000","cummulativeQuoteQty":"9.90000000",
			"status":"FILLED","type":"MARKET","side":"BUY"}`))
	})

	order, err := ex.PlaceOrder(context.Background(), marketBuy())
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.OrderID)
	assert.Equal(t, "mmb-1", order.ClientOrderID)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.InDelta(t, 10.0, order.ExecutedQty, 1e-9)
	assert.InDelta(t, 9.9, order.CumQuote, 1e-9)
}

func TestBinanceGatewayErrorIsTransient(t *testing.T) {
	ex := newTestBinance(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html><body>502 Bad Gateway</body></html>"))
	})

	_, err := ex.PlaceOrder(context.Background(), marketBuy())
	require.Error(t, err)
	assert.True(t, models.IsTransient(err), err.Error())
	assert.False(t, models.IsRejected(err))
}

func TestBinanceRejectionIsRejected(t *testing.T) {
	ex := newTestBinance(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})

	_, err := ex.PlaceOrder(context.Background(), marketBuy())
	require.Error(t, err)
	assert.True(t, models.IsRejected(err), err.Error())
	var venue *models.Error
	require.ErrorAs(t, err, &venue)
	assert.Equal(t, -2010, venue.Code)
}

func TestBinanceUnknownClientOrderID(t *testing.T) {
	ex := newTestBinance(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "mmb-404", r.URL.Query().Get("origClientOrderId"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})

	_, err := ex.GetOrderByClientID(context.Background(), "GCBUSDT", "mmb-404")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestBinanceHungRequestTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ex := newTestBinance(t, 50*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})

	start := time.Now()
	_, err := ex.PlaceOrder(context.Background(), marketBuy())
	require.Error(t, err)
	assert.True(t, models.IsTransient(err), err.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBinanceFactoryNeedsCredentials(t *testing.T) {
	factory := NewBinanceFactory("http://127.0.0.1:0", time.Second, zap.NewNop())
	_, err := factory(models.Credentials{APIKey: "k"})
	assert.True(t, models.IsConfiguration(err))

	ex, err := factory(models.Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	assert.NotNil(t, ex)
}
