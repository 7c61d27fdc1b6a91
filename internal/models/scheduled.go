package models

import "time"

// ScheduledBot 在固定时长内按小时均匀花完预算买入
type ScheduledBot struct {
	ID               string     `json:"_id"`
	UserID           string     `json:"userId"`
	Name             string     `json:"name"`
	TotalUsdtBudget  float64    `json:"totalUsdtBudget"`
	DurationHours    int        `json:"durationHours"`
	BidOffsetPercent float64    `json:"bidOffsetPercent"`
	UsdtPerHour      float64    `json:"usdtPerHour"`
	IntervalMs       int64      `json:"intervalMs"`
	Symbol           string     `json:"symbol"`
	IsActive         bool       `json:"isActive"`
	IsRunning        bool       `json:"isRunning"`
	SpentUsdt        float64    `json:"spentUsdt"`
	AccumulatedGcb   float64    `json:"accumulatedGcb"`
	ExecutedBuys     int        `json:"executedBuys"`
	TotalBuys        int        `json:"totalBuys"`
	NextBuyAt        *time.Time `json:"nextBuyAt,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	LastBuyAt        *time.Time `json:"lastBuyAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Status           BotStatus  `json:"status"`

	Paused  bool          `json:"paused"`
	Pending []OrderIntent `json:"pending,omitempty"`
}

// RemainingBudget 返回尚未花费的预算
func (b *ScheduledBot) RemainingBudget() float64 {
	r := b.TotalUsdtBudget - b.SpentUsdt
	if r < 0 {
		return 0
	}
	return r
}

// 定投单笔结果
const (
	ScheduledMarketSuccess = "success"
	ScheduledMarketFailed  = "failed"
	ScheduledLimitPlaced   = "placed"
	ScheduledLimitFailed   = "failed"
)

// ScheduledBotTrade 是一次定投执行 (市价+限价) 的读模型
type ScheduledBotTrade struct {
	ScheduledBotID   string    `json:"scheduledBotId"`
	UserID           string    `json:"userId"`
	Symbol           string    `json:"symbol"`
	Group            string    `json:"group"`
	MarketBuyOrderID string    `json:"marketBuyOrderId,omitempty"`
	LimitBuyOrderID  string    `json:"limitBuyOrderId,omitempty"`
	MarketBuyPrice   float64   `json:"marketBuyPrice"`
	LimitBuyPrice    float64   `json:"limitBuyPrice"`
	MarketBuyVolume  float64   `json:"marketBuyVolume"`
	LimitBuyVolume   float64   `json:"limitBuyVolume"`
	MarketBuyStatus  string    `json:"marketBuyStatus"`
	LimitBuyStatus   string    `json:"limitBuyStatus"`
	ExecutedAt       time.Time `json:"executedAt"`
}
