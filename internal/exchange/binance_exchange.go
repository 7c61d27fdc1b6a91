package exchange

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mmbot-engine-go/internal/metrics"
	"mmbot-engine-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// BinanceExchange 通过 go-binance 现货客户端实现 Exchange 接口
type BinanceExchange struct {
	client *binance.Client
	logger *zap.Logger
}

// DefaultRequestTimeout 未配置时单次 HTTP 请求的超时
const DefaultRequestTimeout = 10 * time.Second

// NewBinanceExchange 创建一个币安现货交易所实例。apiKey 为空时只能调用公开行情接口。
// SDK 默认的 http.DefaultClient 没有超时, 这里换成带超时的客户端, 挂起的请求会以瞬时错误返回。
func NewBinanceExchange(apiKey, secretKey, baseURL string, timeout time.Duration, logger *zap.Logger) *BinanceExchange {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := binance.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{Timeout: timeout}
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceExchange{client: client, logger: logger}
}

// NewBinanceFactory 返回按凭证创建币安客户端的工厂
func NewBinanceFactory(baseURL string, timeout time.Duration, logger *zap.Logger) Factory {
	return func(creds models.Credentials) (Exchange, error) {
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, models.ConfigurationError("binance client", errors.New("API Key 或 Secret 为空"))
		}
		return NewBinanceExchange(creds.APIKey, creds.APISecret, baseURL, timeout, logger), nil
	}
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(models.KindOf(err))
	}
	metrics.ExchangeCalls.WithLabelValues(op, result).Inc()
}

func (e *BinanceExchange) GetTicker(ctx context.Context, symbol string) (ticker *models.Ticker, err error) {
	defer func() { observe("ticker", err) }()
	stats, err := e.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("获取24小时行情", err)
	}
	if len(stats) == 0 {
		return nil, models.ConfigurationError("获取24小时行情", errors.New("交易对不存在: "+symbol))
	}
	s := stats[0]
	return &models.Ticker{
		Symbol:    s.Symbol,
		LastPrice: parseFloat(s.LastPrice),
		BidPrice:  parseFloat(s.BidPrice),
		AskPrice:  parseFloat(s.AskPrice),
		High:      parseFloat(s.HighPrice),
		Low:       parseFloat(s.LowPrice),
		Volume:    parseFloat(s.Volume),
		Change:    parseFloat(s.PriceChangePercent),
	}, nil
}

func (e *BinanceExchange) GetDepth(ctx context.Context, symbol string, limit int) (book *models.OrderBook, err error) {
	defer func() { observe("depth", err) }()
	res, err := e.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("获取订单簿", err)
	}
	book = &models.OrderBook{Symbol: symbol}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, models.PriceLevel{Price: parseFloat(b.Price), Quantity: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, models.PriceLevel{Price: parseFloat(a.Price), Quantity: parseFloat(a.Quantity)})
	}
	return book, nil
}

func (e *BinanceExchange) PlaceOrder(ctx context.Context, p models.OrderParams) (order *models.Order, err error) {
	defer func() { observe("place_order", err) }()
	svc := e.client.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(binance.SideType(p.Side)).
		Type(binance.OrderType(p.Type)).
		NewClientOrderID(p.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL)

	switch p.Type {
	case models.Market:
		if p.QuoteQuantity > 0 {
			svc = svc.QuoteOrderQty(formatFloat(p.QuoteQuantity))
		} else {
			svc = svc.Quantity(formatFloat(p.Quantity))
		}
	case models.Limit:
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(formatFloat(p.Quantity)).
			Price(formatFloat(p.Price))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("下单", err)
	}
	e.logger.Info("币安下单成功",
		zap.String("symbol", res.Symbol),
		zap.Int64("orderId", res.OrderID),
		zap.String("clientOrderId", res.ClientOrderID),
		zap.String("status", string(res.Status)))

	return &models.Order{
		Symbol:        res.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          models.Side(res.Side),
		Type:          models.OrderType(res.Type),
		Price:         parseFloat(res.Price),
		OrigQty:       parseFloat(res.OrigQuantity),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		CumQuote:      parseFloat(res.CummulativeQuoteQuantity),
		Status:        string(res.Status),
		Time:          time.UnixMilli(res.TransactTime),
	}, nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (err error) {
	defer func() { observe("cancel_order", err) }()
	svc := e.client.NewCancelOrderService().Symbol(symbol)
	if orderID > 0 {
		svc = svc.OrderID(orderID)
	} else {
		svc = svc.OrigClientOrderID(clientOrderID)
	}
	if _, err := svc.Do(ctx); err != nil {
		return classify("撤单", err)
	}
	return nil
}

func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) (orders []models.Order, err error) {
	defer func() { observe("open_orders", err) }()
	res, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("查询挂单", err)
	}
	orders = make([]models.Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, *convertOrder(o))
	}
	return orders, nil
}

func (e *BinanceExchange) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (order *models.Order, err error) {
	defer func() { observe("get_order", err) }()
	res, err := e.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		classified := classify("查询订单", err)
		if errors.Is(classified, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, classified
	}
	return convertOrder(res), nil
}

func (e *BinanceExchange) GetBalances(ctx context.Context) (balances map[string]models.Balance, err error) {
	defer func() { observe("account", err) }()
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("查询账户", err)
	}
	balances = make(map[string]models.Balance, len(account.Balances))
	for _, b := range account.Balances {
		balances[b.Asset] = models.Balance{Asset: b.Asset, Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}
	}
	return balances, nil
}

func convertOrder(o *binance.Order) *models.Order {
	return &models.Order{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Price:         parseFloat(o.Price),
		OrigQty:       parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		CumQuote:      parseFloat(o.CummulativeQuoteQuantity),
		Status:        string(o.Status),
		Time:          time.UnixMilli(o.Time),
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
