package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"mmbot-engine-go/internal/exchange"
	"mmbot-engine-go/internal/models"

	"golang.org/x/time/rate"
)

// limiterRegistry 为每个 API Key 维护一个令牌桶, 交易所按 Key 限频
type limiterRegistry struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newLimiterRegistry(callsPerSecond float64, burst int) *limiterRegistry {
	limit := rate.Limit(callsPerSecond)
	if callsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterRegistry{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (r *limiterRegistry) get(apiKey string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[apiKey]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[apiKey] = l
	}
	return l
}

// limitedExchange 在每次交易所调用前等待令牌, 并给单次调用加上超时。
// 策略用不可取消的 ctx 下单, 没有这个超时一个挂起的请求会让 worker 永远阻塞。
type limitedExchange struct {
	next    exchange.Exchange
	limiter *rate.Limiter
	timeout time.Duration
}

var _ exchange.Exchange = (*limitedExchange)(nil)

// begin 等待令牌并返回本次调用使用的 ctx
func (l *limitedExchange) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, nil, models.TransientError(op, err)
	}
	if l.timeout <= 0 {
		return ctx, func() {}, nil
	}
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	return cctx, cancel, nil
}

// timedOut 把本次调用的超时统一标记为瞬时错误
func timedOut(op string, cctx context.Context, err error) error {
	if err != nil && models.KindOf(err) == "" && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return models.TransientError(op, err)
	}
	return err
}

func (l *limitedExchange) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	cctx, cancel, err := l.begin(ctx, "ticker")
	if err != nil {
		return nil, err
	}
	defer cancel()
	t, err := l.next.GetTicker(cctx, symbol)
	return t, timedOut("ticker", cctx, err)
}

func (l *limitedExchange) GetDepth(ctx context.Context, symbol string, limit int) (*models.OrderBook, error) {
	cctx, cancel, err := l.begin(ctx, "depth")
	if err != nil {
		return nil, err
	}
	defer cancel()
	b, err := l.next.GetDepth(cctx, symbol, limit)
	return b, timedOut("depth", cctx, err)
}

func (l *limitedExchange) PlaceOrder(ctx context.Context, p models.OrderParams) (*models.Order, error) {
	cctx, cancel, err := l.begin(ctx, "place_order")
	if err != nil {
		return nil, err
	}
	defer cancel()
	o, err := l.next.PlaceOrder(cctx, p)
	return o, timedOut("place_order", cctx, err)
}

func (l *limitedExchange) CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) error {
	cctx, cancel, err := l.begin(ctx, "cancel_order")
	if err != nil {
		return err
	}
	defer cancel()
	return timedOut("cancel_order", cctx, l.next.CancelOrder(cctx, symbol, orderID, clientOrderID))
}

func (l *limitedExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	cctx, cancel, err := l.begin(ctx, "open_orders")
	if err != nil {
		return nil, err
	}
	defer cancel()
	o, err := l.next.GetOpenOrders(cctx, symbol)
	return o, timedOut("open_orders", cctx, err)
}

func (l *limitedExchange) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	cctx, cancel, err := l.begin(ctx, "get_order")
	if err != nil {
		return nil, err
	}
	defer cancel()
	o, err := l.next.GetOrderByClientID(cctx, symbol, clientOrderID)
	return o, timedOut("get_order", cctx, err)
}

func (l *limitedExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	cctx, cancel, err := l.begin(ctx, "account")
	if err != nil {
		return nil, err
	}
	defer cancel()
	b, err := l.next.GetBalances(cctx)
	return b, timedOut("account", cctx, err)
}
