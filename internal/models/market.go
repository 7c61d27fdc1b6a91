package models

import "time"

// PriceLevel 是订单簿中的一个价格档位
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook 是交易所返回的订单簿深度, Bids 价格降序, Asks 价格升序
type OrderBook struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// MarketSnapshot 是某个交易对在某一时刻的不可变行情快照。
// 发布之后任何人都不允许修改它。
type MarketSnapshot struct {
	Symbol    string       `json:"symbol"`
	LastPrice float64      `json:"lastPrice"`
	BestBid   float64      `json:"bestBid"`
	BestAsk   float64      `json:"bestAsk"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	High24h   float64      `json:"high24h"`
	Low24h    float64      `json:"low24h"`
	Volume24h float64      `json:"volume24h"`
	Change24h float64      `json:"change24h"`
	Timestamp time.Time    `json:"timestamp"`
	Sequence  uint64       `json:"sequence"` // 每个交易对单调递增
}

// MarketData 是面板使用的行情结构
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	High24h   float64   `json:"high24h"`
	Low24h    float64   `json:"low24h"`
	Volume24h float64   `json:"volume24h"`
	Change24h float64   `json:"change24h"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketData 转换为面板行情结构
func (s *MarketSnapshot) MarketData() MarketData {
	return MarketData{
		Symbol:    s.Symbol,
		Price:     s.LastPrice,
		High24h:   s.High24h,
		Low24h:    s.Low24h,
		Volume24h: s.Volume24h,
		Change24h: s.Change24h,
		Timestamp: s.Timestamp,
	}
}
