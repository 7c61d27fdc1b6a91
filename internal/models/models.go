package models

import (
	"fmt"
	"time"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType 定义了订单类型
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// 交易所订单状态
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Credentials 是某个用户的交易所 API 凭证
type Credentials struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// OrderParams 是交给交易所适配器的下单参数
type OrderParams struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64 // 基础资产数量
	QuoteQuantity float64 // 计价资产金额, 仅市价单使用
	Price         float64 // 限价单价格
	ClientOrderID string
}

// Order 定义了交易所返回的订单信息
type Order struct {
	Symbol        string    `json:"symbol"`
	OrderID       int64     `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price"`
	OrigQty       float64   `json:"origQty"`
	ExecutedQty   float64   `json:"executedQty"`
	CumQuote      float64   `json:"cumQuote"`
	Status        string    `json:"status"`
	Time          time.Time `json:"time"`
}

// AvgPrice 返回成交均价, 未成交时返回挂单价
func (o *Order) AvgPrice() float64 {
	if o.ExecutedQty > 0 && o.CumQuote > 0 {
		return o.CumQuote / o.ExecutedQty
	}
	return o.Price
}

// IsOpen 判断订单是否仍在挂单中
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// Balance 定义了账户中特定资产的余额信息
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Ticker 是24小时行情统计
type Ticker struct {
	Symbol    string
	LastPrice float64
	BidPrice  float64
	AskPrice  float64
	High      float64
	Low       float64
	Volume    float64
	Change    float64 // 24小时涨跌幅 (百分比)
}

// Error 定义了交易所API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
