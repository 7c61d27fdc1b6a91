package models

import "time"

// MarketMakerBot 在目标价附近维持一组买卖挂单, 直到价格到达目标价
type MarketMakerBot struct {
	ID               string     `json:"_id"`
	UserID           string     `json:"userId"`
	Name             string     `json:"name"`
	Symbol           string     `json:"symbol"`
	TargetPrice      float64    `json:"targetPrice"`
	SpreadPercent    float64    `json:"spreadPercent"` // 小数形式, 0.02 = 2%
	OrderSize        float64    `json:"orderSize"`
	PriceFloor       *float64   `json:"priceFloor"`
	PriceCeil        *float64   `json:"priceCeil"`
	IncrementStep    float64    `json:"incrementStep"`
	CurrentOrderSize float64    `json:"currentOrderSize"`
	ExecutionCount   int        `json:"executionCount"`
	IsActive         bool       `json:"isActive"`
	IsRunning        bool       `json:"isRunning"`
	TargetReached    bool       `json:"targetReached"`
	TelegramEnabled  bool       `json:"telegramEnabled"`
	TelegramUserID   string     `json:"telegramUserId,omitempty"`
	LastExecutedAt   *time.Time `json:"lastExecutedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Status           BotStatus  `json:"status"`

	WorkingOrders []WorkingOrder `json:"workingOrders,omitempty"`
	Paused        bool           `json:"paused"`
	Pending       []OrderIntent  `json:"pending,omitempty"`
}

// MarketMakerStatus 是 /api/bot/market-maker/status 的汇总
type MarketMakerStatus struct {
	TotalBots         int `json:"totalBots"`
	RunningBots       int `json:"runningBots"`
	TargetReachedBots int `json:"targetReachedBots"`
	TotalExecutions   int `json:"totalExecutions"`
	WorkingOrders     int `json:"workingOrders"`
}
