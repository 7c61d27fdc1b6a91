package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"mmbot-engine-go/internal/models"

	"go.uber.org/zap"
)

// ErrInsufficientBalance 模拟盘余额不足
var ErrInsufficientBalance = errors.New("account has insufficient balance for requested action")

// paperMarket 是模拟盘中单个交易对的行情状态
type paperMarket struct {
	price  float64
	high   float64
	low    float64
	volume float64
	open   float64
	book   *models.OrderBook // 通过 SetBook 显式设置的订单簿, 为空时按配置合成
}

// PaperExchange 实现了 Exchange 接口, 用一个共享的内存账户模拟现货撮合。
// 用于模拟盘模式和测试。
type PaperExchange struct {
	mu         sync.Mutex
	cfg        models.PaperConfig
	quoteAsset string
	logger     *zap.Logger
	now        func() time.Time

	markets     map[string]*paperMarket
	balances    map[string]*models.Balance
	orders      map[int64]*models.Order
	byClientID  map[string]int64
	NextOrderID int64
	TotalFees   float64

	// 故障注入
	failures     map[string][]error
	lostResponse int
	calls        map[string][]time.Time
}

// NewPaperExchange 创建模拟交易所。quoteAsset 用于从交易对名称推导基础资产。
func NewPaperExchange(cfg models.PaperConfig, quoteAsset string, logger *zap.Logger) *PaperExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &PaperExchange{
		cfg:         cfg,
		quoteAsset:  quoteAsset,
		logger:      logger,
		now:         time.Now,
		markets:     make(map[string]*paperMarket),
		balances:    make(map[string]*models.Balance),
		orders:      make(map[int64]*models.Order),
		byClientID:  make(map[string]int64),
		NextOrderID: 1,
		failures:    make(map[string][]error),
		calls:       make(map[string][]time.Time),
	}
	for asset, amount := range cfg.Balances {
		e.balances[asset] = &models.Balance{Asset: asset, Free: amount}
	}
	for symbol, price := range cfg.Prices {
		e.markets[symbol] = &paperMarket{price: price, high: price, low: price, open: price}
	}
	return e
}

// Factory 返回一个忽略凭证、始终使用同一模拟账户的工厂
func (e *PaperExchange) Factory() Factory {
	return func(models.Credentials) (Exchange, error) { return e, nil }
}

// --- 测试与模拟盘控制接口 ---

// SetPrice 更新最新价, 并检查是否有挂单可以在该价格成交。
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.market(symbol)
	m.book = nil
	e.movePrice(m, price)
	e.checkLimitOrdersAtPrice(symbol, price)
}

// SetBook 用一个固定的订单簿替换合成订单簿。市价单会消耗其中的数量。
func (e *PaperExchange) SetBook(symbol string, lastPrice float64, bids, asks []models.PriceLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.market(symbol)
	m.book = &models.OrderBook{
		Symbol: symbol,
		Bids:   append([]models.PriceLevel(nil), bids...),
		Asks:   append([]models.PriceLevel(nil), asks...),
	}
	e.movePrice(m, lastPrice)
}

// SetBalance 直接设置某个资产的可用余额
func (e *PaperExchange) SetBalance(asset string, free float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance(asset).Free = free
}

// FailNext 让 op 的下一次调用返回 err。op 取值: ticker, depth, place_order, cancel_order,
// open_orders, get_order, account
func (e *PaperExchange) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], err)
}

// LoseNextResponse 让下一次下单在交易所侧成功, 但调用方收到超时错误。
func (e *PaperExchange) LoseNextResponse() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lostResponse++
}

// Calls 返回 op 被调用的次数
func (e *PaperExchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls[op])
}

// CallTimes 返回 op 每次被调用的时间
func (e *PaperExchange) CallTimes(op string) []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.calls[op]...)
}

// AllOrders 返回所有订单的副本, 按订单号排序
func (e *PaperExchange) AllOrders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.sortedOrderIDs()
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.orders[id])
	}
	return out
}

// enter 记录调用并弹出注入的故障。必须在持有锁的情况下调用。
func (e *PaperExchange) enter(op string) error {
	e.calls[op] = append(e.calls[op], e.now())
	if queue := e.failures[op]; len(queue) > 0 {
		e.failures[op] = queue[1:]
		return classify(op, queue[0])
	}
	return nil
}

func (e *PaperExchange) market(symbol string) *paperMarket {
	m, ok := e.markets[symbol]
	if !ok {
		m = &paperMarket{}
		e.markets[symbol] = m
	}
	return m
}

func (e *PaperExchange) balance(asset string) *models.Balance {
	b, ok := e.balances[asset]
	if !ok {
		b = &models.Balance{Asset: asset}
		e.balances[asset] = b
	}
	return b
}

func (e *PaperExchange) baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, e.quoteAsset)
}

func (e *PaperExchange) movePrice(m *paperMarket, price float64) {
	if price <= 0 {
		return
	}
	if m.open == 0 {
		m.open, m.high, m.low = price, price, price
	}
	m.price = price
	m.high = math.Max(m.high, price)
	m.low = math.Min(m.low, price)
}

// book 返回当前订单簿。未显式设置时, 以最新价为中心按配置合成。
func (e *PaperExchange) book(symbol string, m *paperMarket) *models.OrderBook {
	if m.book != nil {
		return m.book
	}
	levels := e.cfg.BookLevels
	if levels <= 0 {
		levels = 10
	}
	spacing := e.cfg.LevelSpacing
	if spacing <= 0 {
		spacing = 0.001
	}
	qty := e.cfg.LevelQty
	if qty <= 0 {
		qty = 1000
	}
	book := &models.OrderBook{Symbol: symbol}
	for i := 1; i <= levels; i++ {
		book.Bids = append(book.Bids, models.PriceLevel{Price: m.price * (1 - spacing*float64(i)), Quantity: qty})
		book.Asks = append(book.Asks, models.PriceLevel{Price: m.price * (1 + spacing*float64(i)), Quantity: qty})
	}
	return book
}

func (e *PaperExchange) sortedOrderIDs() []int64 {
	ids := make([]int64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// checkLimitOrdersAtPrice 检查是否有挂单可以在指定价格成交。必须在持有锁的情况下调用。
func (e *PaperExchange) checkLimitOrdersAtPrice(symbol string, price float64) {
	for _, id := range e.sortedOrderIDs() {
		order := e.orders[id]
		if order.Symbol != symbol || order.Status != models.OrderStatusNew || order.Type != models.Limit {
			continue
		}
		if (order.Side == models.Buy && price <= order.Price) || (order.Side == models.Sell && price >= order.Price) {
			e.fillResting(order)
		}
	}
}

// fillResting 以挂单价成交一个挂单, 释放冻结资金。必须在持有锁的情况下调用。
func (e *PaperExchange) fillResting(order *models.Order) {
	base := e.balance(e.baseAsset(order.Symbol))
	quote := e.balance(e.quoteAsset)
	notional := order.Price * order.OrigQty
	fee := notional * e.cfg.MakerFeeRate
	if order.Side == models.Buy {
		quote.Locked -= notional
		quote.Free -= fee
		base.Free += order.OrigQty
	} else {
		base.Locked -= order.OrigQty
		quote.Free += notional - fee
	}
	e.TotalFees += fee
	order.ExecutedQty = order.OrigQty
	order.CumQuote = notional
	order.Status = models.OrderStatusFilled
	m := e.market(order.Symbol)
	m.volume += order.OrigQty

	e.logger.Info("[模拟盘] 挂单成交",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Float64("price", order.Price),
		zap.Float64("qty", order.OrigQty),
		zap.Float64("fee", fee))
}

// walk 沿订单簿一侧吃单。limitQty 和 limitQuote 至少一个大于零; limitPrice 为零表示不限价。
// 返回成交数量、成交额、最后一档价格以及剩余档位。
func walk(levels []models.PriceLevel, side models.Side, limitQty, limitQuote, limitPrice float64) (qty, quote, lastPrice float64, rest []models.PriceLevel) {
	rest = append([]models.PriceLevel(nil), levels...)
	for i := range rest {
		lvl := &rest[i]
		if limitPrice > 0 && ((side == models.Buy && lvl.Price > limitPrice) || (side == models.Sell && lvl.Price < limitPrice)) {
			break
		}
		take := lvl.Quantity
		if limitQty > 0 {
			take = math.Min(take, limitQty-qty)
		}
		if limitQuote > 0 {
			take = math.Min(take, (limitQuote-quote)/lvl.Price)
		}
		if take <= 1e-12 {
			break
		}
		qty += take
		quote += take * lvl.Price
		lastPrice = lvl.Price
		lvl.Quantity -= take
		if (limitQty > 0 && qty >= limitQty-1e-12) || (limitQuote > 0 && quote >= limitQuote-1e-9) {
			break
		}
	}
	kept := rest[:0]
	for _, lvl := range rest {
		if lvl.Quantity > 1e-12 {
			kept = append(kept, lvl)
		}
	}
	return qty, quote, lastPrice, kept
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) GetTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ticker"); err != nil {
		return nil, err
	}
	m, ok := e.markets[symbol]
	if !ok || m.price <= 0 {
		return nil, models.ConfigurationError("ticker", &models.Error{Code: codeBadSymbol, Msg: "Invalid symbol."})
	}
	book := e.book(symbol, m)
	t := &models.Ticker{Symbol: symbol, LastPrice: m.price, High: m.high, Low: m.low, Volume: m.volume}
	if len(book.Bids) > 0 {
		t.BidPrice = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		t.AskPrice = book.Asks[0].Price
	}
	if m.open > 0 {
		t.Change = (m.price - m.open) / m.open * 100
	}
	return t, nil
}

func (e *PaperExchange) GetDepth(_ context.Context, symbol string, limit int) (*models.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("depth"); err != nil {
		return nil, err
	}
	m, ok := e.markets[symbol]
	if !ok || m.price <= 0 {
		return nil, models.ConfigurationError("depth", &models.Error{Code: codeBadSymbol, Msg: "Invalid symbol."})
	}
	book := e.book(symbol, m)
	out := &models.OrderBook{Symbol: symbol, Bids: book.Bids, Asks: book.Asks}
	if limit > 0 && len(out.Bids) > limit {
		out.Bids = out.Bids[:limit]
	}
	if limit > 0 && len(out.Asks) > limit {
		out.Asks = out.Asks[:limit]
	}
	out.Bids = append([]models.PriceLevel(nil), out.Bids...)
	out.Asks = append([]models.PriceLevel(nil), out.Asks...)
	return out, nil
}

func (e *PaperExchange) PlaceOrder(_ context.Context, p models.OrderParams) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("place_order"); err != nil {
		return nil, err
	}
	if p.ClientOrderID != "" {
		if _, dup := e.byClientID[p.ClientOrderID]; dup {
			return nil, models.RejectedError("place_order", &models.Error{Code: codeNewOrderRejected, Msg: "Duplicate order sent."})
		}
	}
	m, ok := e.markets[p.Symbol]
	if !ok || m.price <= 0 {
		return nil, models.ConfigurationError("place_order", &models.Error{Code: codeBadSymbol, Msg: "Invalid symbol."})
	}

	order := &models.Order{
		Symbol:        p.Symbol,
		OrderID:       e.NextOrderID,
		ClientOrderID: p.ClientOrderID,
		Side:          p.Side,
		Type:          p.Type,
		Price:         p.Price,
		OrigQty:       p.Quantity,
		Status:        models.OrderStatusNew,
		Time:          e.now(),
	}

	var err error
	switch p.Type {
	case models.Market:
		err = e.fillMarket(m, order, p)
	case models.Limit:
		err = e.placeLimit(m, order)
	default:
		err = models.RejectedError("place_order", fmt.Errorf("unsupported order type %q", p.Type))
	}
	if err != nil {
		return nil, err
	}

	e.orders[order.OrderID] = order
	if order.ClientOrderID != "" {
		e.byClientID[order.ClientOrderID] = order.OrderID
	}
	e.NextOrderID++

	if e.lostResponse > 0 {
		e.lostResponse--
		return nil, models.TransientError("place_order", context.DeadlineExceeded)
	}
	cp := *order
	return &cp, nil
}

// fillMarket 市价单沿订单簿吃单并推动价格。必须在持有锁的情况下调用。
func (e *PaperExchange) fillMarket(m *paperMarket, order *models.Order, p models.OrderParams) error {
	book := e.book(order.Symbol, m)
	base := e.balance(e.baseAsset(order.Symbol))
	quote := e.balance(e.quoteAsset)

	var qty, cost, last float64
	if order.Side == models.Buy {
		budget := p.QuoteQuantity
		if budget <= 0 && p.Quantity <= 0 {
			return models.RejectedError("place_order", &models.Error{Code: codeInvalidQuantity, Msg: "Invalid quantity."})
		}
		limitQty := 0.0
		if budget <= 0 {
			limitQty = p.Quantity
		}
		var rest []models.PriceLevel
		qty, cost, last, rest = walk(book.Asks, models.Buy, limitQty, budget, 0)
		fill := cost * (1 + e.cfg.SlippageRate)
		fee := fill * e.cfg.TakerFeeRate
		if qty <= 0 {
			return models.RejectedError("place_order", &models.Error{Code: codeNewOrderRejected, Msg: "Order book is empty."})
		}
		if quote.Free < fill+fee {
			return models.RejectedError("place_order", &models.Error{Code: codeNewOrderRejected, Msg: ErrInsufficientBalance.Error()})
		}
		quote.Free -= fill + fee
		base.Free += qty
		cost = fill
		e.TotalFees += fee
		if m.book != nil {
			m.book.Asks = rest
		}
	} else {
		if p.Quantity <= 0 {
			return models.RejectedError("place_order", &models.Error{Code: codeInvalidQuantity, Msg: "Invalid quantity."})
		}
		if base.Free < p.Quantity {
			return models.RejectedError("place_order", &models.Error{Code: codeNewOrderRejected, Msg: ErrInsufficientBalance.Error()})
		}
		var rest []models.PriceLevel
		qty, cost, last, rest = walk(book.Bids, models.Sell, p.Quantity, 0, 0)
		if qty <= 0 {
			return models.RejectedError("place_order", &models.Error{Code: codeNewOrderRejected, Msg: "Order book is empty."})
		}
		fill := cost * (1 - e.cfg.SlippageRate)
		fee := fill * e.cfg.TakerFeeRate
		base.Free -= qty
		quote.Free += fill - fee
		cost = fill
		e.TotalFees += fee
		if m.book != nil {
			m.book.Bids = rest
		}
	}

	order.OrigQty = math.Max(order.OrigQty, qty)
	order.ExecutedQty = qty
	order.CumQuote = cost
	order.Price = 0
	order.Status = models.OrderStatusFilled
	if order.ExecutedQty < order.OrigQty-1e-12 {
		order.Status = models.OrderStatusExpired
	}
	m.volume += qty
	e.movePrice(m, last)
	// 价格变动后, 其他挂单可能成交
	e.checkLimitOrdersAtPrice(order.Symbol, last)

	e.logger.Info("[模拟盘] 市价单成交",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Float64("qty", qty),
		zap.Float64("quote", cost),
		zap.Float64("lastPrice", last))
	return nil
}

// placeLimit 限价单: 与对手盘交叉时立即按挂单价成交, 否则冻结资金挂单。必须在持有锁的情况下调用。
func (e *PaperExchange) placeLimit(m *paperMarket, order *models.Order) error {
	if order.Price <= 0 || order.OrigQty <= 0 {
		return models.RejectedError("place_order", &models.Error{Code: codeInvalidQuantity, Msg: "Invalid quantity or price."})
	}
	base := e.balance(e.baseAsset(order.Symbol))
	quote := e.balance(e.quoteAsset)
	notional := order.Price * order.OrigQty

	if order.Side == models.Buy {
		if quote.Free < notional {
			return models.RejectedError("place_order", &models.Error{Code: codeNewOrderRejected, Msg: ErrInsufficientBalance.Error()})
		}
		quote.Free -= notional
		quote.Locked += notional
	} else {
		if base.Free < order.OrigQty {
			return models.RejectedError("place_order", &models.Error{Code: codeNewOrderRejected, Msg: ErrInsufficientBalance.Error()})
		}
		base.Free -= order.OrigQty
		base.Locked += order.OrigQty
	}

	book := e.book(order.Symbol, m)
	crosses := (order.Side == models.Buy && len(book.Asks) > 0 && book.Asks[0].Price <= order.Price) ||
		(order.Side == models.Sell && len(book.Bids) > 0 && book.Bids[0].Price >= order.Price)
	if crosses {
		e.fillResting(order)
	}
	return nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, symbol string, orderID int64, clientOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("cancel_order"); err != nil {
		return err
	}
	if orderID == 0 {
		orderID = e.byClientID[clientOrderID]
	}
	order, ok := e.orders[orderID]
	if !ok || order.Symbol != symbol || !order.IsOpen() {
		return models.RejectedError("cancel_order", errors.Join(ErrOrderNotFound, &models.Error{Code: codeUnknownOrder, Msg: "Unknown order sent."}))
	}
	remaining := order.OrigQty - order.ExecutedQty
	if order.Side == models.Buy {
		e.balance(e.quoteAsset).Locked -= remaining * order.Price
		e.balance(e.quoteAsset).Free += remaining * order.Price
	} else {
		base := e.balance(e.baseAsset(symbol))
		base.Locked -= remaining
		base.Free += remaining
	}
	order.Status = models.OrderStatusCanceled
	return nil
}

func (e *PaperExchange) GetOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("open_orders"); err != nil {
		return nil, err
	}
	open := make([]models.Order, 0)
	for _, id := range e.sortedOrderIDs() {
		order := e.orders[id]
		if (symbol == "" || order.Symbol == symbol) && order.IsOpen() {
			open = append(open, *order)
		}
	}
	return open, nil
}

func (e *PaperExchange) GetOrderByClientID(_ context.Context, symbol, clientOrderID string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_order"); err != nil {
		return nil, err
	}
	id, ok := e.byClientID[clientOrderID]
	if !ok || e.orders[id].Symbol != symbol {
		return nil, ErrOrderNotFound
	}
	cp := *e.orders[id]
	return &cp, nil
}

func (e *PaperExchange) GetBalances(_ context.Context) (map[string]models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("account"); err != nil {
		return nil, err
	}
	out := make(map[string]models.Balance, len(e.balances))
	for asset, b := range e.balances {
		out[asset] = *b
	}
	return out, nil
}
