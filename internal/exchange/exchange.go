package exchange

import (
	"context"
	"errors"

	"mmbot-engine-go/internal/models"
)

// ErrOrderNotFound 表示交易所上不存在该订单
var ErrOrderNotFound = errors.New("order not found")

// MarketData 是公开行情接口, 不需要凭证
type MarketData interface {
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*models.OrderBook, error)
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得引擎可以在真实交易和模拟盘之间轻松切换。
// 所有方法返回的错误都已按 models.ErrorKind 分类。
type Exchange interface {
	MarketData
	PlaceOrder(ctx context.Context, params models.OrderParams) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	// GetOrderByClientID 未找到时返回 ErrOrderNotFound
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*models.Order, error)
	GetBalances(ctx context.Context) (map[string]models.Balance, error)
}

// Factory 根据用户凭证创建交易所客户端
type Factory func(creds models.Credentials) (Exchange, error)
