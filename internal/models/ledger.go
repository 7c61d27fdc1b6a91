package models

import "time"

// TradeStatus 是一次下单尝试的最终结果
type TradeStatus string

const (
	TradeSuccess TradeStatus = "success"
	TradeFailed  TradeStatus = "failed" // 交易所拒单或参数校验失败
	TradeError   TradeStatus = "error"  // 配置错误或重试耗尽
)

// TradeRecord 是追加写入的交易账本记录, 每次下单尝试恰好一条
type TradeRecord struct {
	ID             string       `json:"_id"`
	ConditionID    string       `json:"conditionId"` // 发起下单的机器人 ID
	ConditionName  string       `json:"conditionName"`
	UserID         string       `json:"userId"`
	OrderID        string       `json:"orderId,omitempty"`
	ClientOrderID  string       `json:"clientOrderId,omitempty"`
	Symbol         string       `json:"symbol"`
	Side           Side         `json:"side"`
	Type           OrderType    `json:"type"`
	Volume         float64      `json:"volume"`
	Price          float64      `json:"price,omitempty"`
	QuoteAmount    float64      `json:"quoteAmount"`
	Status         TradeStatus  `json:"status"`
	Error          string       `json:"error,omitempty"`
	ErrorKind      ErrorKind    `json:"errorKind,omitempty"`
	ExecutedAt     time.Time    `json:"executedAt"`
	StrategyKind   StrategyKind `json:"strategyKind"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Group          string       `json:"group,omitempty"`
	Attempts       int          `json:"attempts"`
}

// Succeeded 判断下单是否成功
func (r *TradeRecord) Succeeded() bool { return r != nil && r.Status == TradeSuccess }

// LogLevel 是活动日志的级别
type LogLevel string

const (
	LevelInfo      LogLevel = "info"
	LevelSuccess   LogLevel = "success"
	LevelWarning   LogLevel = "warning"
	LevelError     LogLevel = "error"
	LevelTrade     LogLevel = "trade"
	LevelCalculate LogLevel = "calculate"
	LevelMonitor   LogLevel = "monitor"
)

// Critical 关键级别的日志必须同步落盘, 不允许丢弃
func (l LogLevel) Critical() bool {
	return l == LevelTrade || l == LevelError
}

// ActivityLogEntry 是面板展示的一条活动日志
type ActivityLogEntry struct {
	ID           uint64         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        LogLevel       `json:"level"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
	BotID        string         `json:"botId,omitempty"`
	StrategyKind StrategyKind   `json:"strategyKind,omitempty"`
	UserID       string         `json:"userId,omitempty"`
}

// TradeFilter 是交易记录的查询条件
type TradeFilter struct {
	UserID       string
	BotID        string
	StrategyKind StrategyKind
	Status       TradeStatus
	Limit        int
}

// LogFilter 是活动日志的查询条件
type LogFilter struct {
	UserID       string
	BotID        string
	StrategyKind StrategyKind
	Level        LogLevel
	Limit        int
}
