package httpapi

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"mmbot-engine-go/internal/execution"
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/strategy"

	"github.com/gin-gonic/gin"
)

// placeOrderInput 是手动下单的请求体。市价买单可以只给 quoteAmount。
type placeOrderInput struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	QuoteAmount float64 `json:"quoteAmount"`
}

type cancelOrderInput struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
}

func (s *Server) registerTradeRoutes(g *gin.RouterGroup) {
	g.GET("/users/balance", s.balances)
	g.GET("/trade/open-orders", func(c *gin.Context) {
		symbol := strings.ToUpper(c.DefaultQuery("symbol", s.opts.TradeSymbol))
		orders, err := s.opts.Orders.OpenOrders(c.Request.Context(), userID(c), symbol)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, orders)
	})
	g.POST("/trade/place-order", s.placeOrder)
	g.POST("/trade/cancel-order", s.cancelOrder)
}

// balances 只返回非零余额, 按资产名排序
func (s *Server) balances(c *gin.Context) {
	all, err := s.opts.Orders.Balances(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]models.Balance, 0, len(all))
	for _, b := range all {
		if b.Free > 0 || b.Locked > 0 {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	ok(c, out)
}

// placeOrder 手动下单走与机器人相同的下单管道, 幂等键为 manual:<userId>#<seq>
func (s *Server) placeOrder(c *gin.Context) {
	in, valid := bind[placeOrderInput](c)
	if !valid {
		return
	}
	uid := userID(c)
	intent, err := s.manualIntent(uid, in)
	if err != nil {
		fail(c, err)
		return
	}

	rec, err := s.opts.Orders.Execute(c.Request.Context(), intent)
	if err != nil {
		fail(c, err)
		return
	}
	if !rec.Succeeded() {
		kind := rec.ErrorKind
		if kind == "" {
			kind = models.KindInternal
		}
		fail(c, models.NewError(kind, "place_order", errors.New(rec.Error)))
		return
	}
	ok(c, rec)
}

func (s *Server) manualIntent(uid string, in placeOrderInput) (models.OrderIntent, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		symbol = s.opts.TradeSymbol
	}
	side := models.Side(strings.ToUpper(in.Side))
	if side != models.Buy && side != models.Sell {
		return models.OrderIntent{}, fmt.Errorf("%w: side 必须是 BUY 或 SELL", models.ErrInvalidInput)
	}
	orderType := models.OrderType(strings.ToUpper(in.Type))
	if orderType == "" {
		orderType = models.Market
	}
	if orderType != models.Market && orderType != models.Limit {
		return models.OrderIntent{}, fmt.Errorf("%w: type 必须是 MARKET 或 LIMIT", models.ErrInvalidInput)
	}
	if in.Quantity < 0 || in.Price < 0 || in.QuoteAmount < 0 {
		return models.OrderIntent{}, fmt.Errorf("%w: 数量和价格不能为负", models.ErrInvalidInput)
	}
	if in.Quantity == 0 && in.QuoteAmount == 0 {
		return models.OrderIntent{}, fmt.Errorf("%w: quantity 和 quoteAmount 至少填一个", models.ErrInvalidInput)
	}

	price := in.Price
	if orderType == models.Market && price == 0 {
		// 市价单用最新价估算名义价值
		if snap, err := s.opts.Market.GetSnapshot(symbol); err == nil {
			price = snap.LastPrice
		}
	}

	key, err := strategy.NextIntentKey(s.opts.Sequencer, models.KindManual, uid)
	if err != nil {
		return models.OrderIntent{}, err
	}
	return models.OrderIntent{
		Key:          key,
		StrategyKind: models.KindManual,
		BotID:        uid,
		BotName:      "手动下单",
		UserID:       uid,
		Symbol:       symbol,
		Side:         side,
		Type:         orderType,
		Quantity:     in.Quantity,
		QuoteAmount:  in.QuoteAmount,
		Price:        price,
	}, nil
}

func (s *Server) cancelOrder(c *gin.Context) {
	in, valid := bind[cancelOrderInput](c)
	if !valid {
		return
	}
	if in.OrderID <= 0 && in.ClientOrderID == "" {
		fail(c, fmt.Errorf("%w: orderId 和 clientOrderId 至少填一个", models.ErrInvalidInput))
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		symbol = s.opts.TradeSymbol
	}
	uid := userID(c)
	err := s.opts.Orders.Cancel(c.Request.Context(), execution.CancelRequest{
		StrategyKind:  models.KindManual,
		BotID:         uid,
		UserID:        uid,
		Symbol:        symbol,
		OrderID:       in.OrderID,
		ClientOrderID: in.ClientOrderID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"symbol": symbol, "orderId": in.OrderID, "clientOrderId": in.ClientOrderID})
}
