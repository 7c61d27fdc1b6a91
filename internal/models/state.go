package models

import "time"

// StrategyKind 标识机器人的策略类型
type StrategyKind string

const (
	KindCondition   StrategyKind = "condition"
	KindStabilizer  StrategyKind = "stabilizer"
	KindScheduled   StrategyKind = "scheduled"
	KindMarketMaker StrategyKind = "market_maker"
	KindManual      StrategyKind = "manual" // 面板手动下单
)

// BotStatus 是面板可见的机器人状态
type BotStatus string

const (
	StatusCreated       BotStatus = "created"
	StatusRunning       BotStatus = "running"
	StatusStopped       BotStatus = "stopped"
	StatusCompleted     BotStatus = "completed"
	StatusTargetReached BotStatus = "target_reached"
)

// OrderIntent 描述一次待执行的下单意图。
// 在提交给交易所之前先持久化到机器人状态中 (write-ahead), 进程重启后据此对账。
type OrderIntent struct {
	Key          string       `json:"key"` // 幂等键: <kind>:<botId>#<seq>
	StrategyKind StrategyKind `json:"strategyKind"`
	BotID        string       `json:"botId"`
	BotName      string       `json:"botName"`
	UserID       string       `json:"userId"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	Type         OrderType    `json:"type"`
	Quantity     float64      `json:"quantity,omitempty"`
	QuoteAmount  float64      `json:"quoteAmount,omitempty"`
	Price        float64      `json:"price,omitempty"`
	Group        string       `json:"group,omitempty"` // 同一次执行内的订单分组, e.g. "exec-3"
}

// WorkingOrder 是做市机器人当前挂在交易所的订单
type WorkingOrder struct {
	OrderID       int64     `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	PlacedAt      time.Time `json:"placedAt"`
}

// Envelope 是面板接口统一的响应包装 {code, msg, data}
type Envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}
