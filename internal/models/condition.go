package models

import "time"

// ConditionField 是条件判断读取的数据字段
type ConditionField string

const (
	FieldGCBQuantity  ConditionField = "GCB_QUANTITY"
	FieldUSDTQuantity ConditionField = "USDT_QUANTITY"
	FieldGCBPrice     ConditionField = "GCB_PRICE"
	FieldUSDTPrice    ConditionField = "USDT_PRICE"
	FieldBTCPrice     ConditionField = "BTC_PRICE"
	FieldETHPrice     ConditionField = "ETH_PRICE"
)

// ConditionOperator 是比较运算符
type ConditionOperator string

const (
	OpAbove    ConditionOperator = "ABOVE"
	OpBelow    ConditionOperator = "BELOW"
	OpEqual    ConditionOperator = "EQUAL"
	OpNotEqual ConditionOperator = "NOT_EQUAL"
)

// ActionType 是条件满足时执行的动作
type ActionType string

const (
	ActionBuyMarket  ActionType = "BUY_MARKET"
	ActionSellMarket ActionType = "SELL_MARKET"
	ActionBuyLimit   ActionType = "BUY_LIMIT"
	ActionSellLimit  ActionType = "SELL_LIMIT"
)

// ActionField 决定 actionValue 的含义
type ActionField string

const (
	ActionFieldGCBQuantity ActionField = "GCB_QUANTITY"
	ActionFieldUSDTValue   ActionField = "USDT_VALUE"
)

// Side 返回动作对应的买卖方向
func (a ActionType) Side() Side {
	if a == ActionSellMarket || a == ActionSellLimit {
		return Sell
	}
	return Buy
}

// OrderType 返回动作对应的订单类型
func (a ActionType) OrderType() OrderType {
	if a == ActionBuyLimit || a == ActionSellLimit {
		return Limit
	}
	return Market
}

// BotCondition 是用户定义的一条 "如果-那么" 交易规则
type BotCondition struct {
	ID                string            `json:"_id"`
	UserID            string            `json:"userId"`
	Name              string            `json:"name"`
	IsActive          bool              `json:"isActive"`
	ConditionField    ConditionField    `json:"conditionField"`
	ConditionOperator ConditionOperator `json:"conditionOperator"`
	ConditionValue    float64           `json:"conditionValue"`
	ActionType        ActionType        `json:"actionType"`
	ActionField       ActionField       `json:"actionField"`
	ActionValue       float64           `json:"actionValue"`
	LimitPrice        *float64          `json:"limitPrice,omitempty"`
	LastTriggered     *time.Time        `json:"lastTriggered,omitempty"`
	TriggerCount      int               `json:"triggerCount"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`

	ConsecutiveFailures int          `json:"consecutiveFailures"`
	DeactivatedReason   string       `json:"deactivatedReason,omitempty"`
	Pending             *OrderIntent `json:"pending,omitempty"` // 已持久化但尚未确认结果的下单意图
}

// UserBotState 记录某个用户的条件机器人开关
type UserBotState struct {
	UserID        string     `json:"userId"`
	IsEnabled     bool       `json:"isEnabled"`
	IsRunning     bool       `json:"isRunning"`
	Paused        bool       `json:"paused"`
	BotEnabledAt  *time.Time `json:"botEnabledAt,omitempty"`
	BotDisabledAt *time.Time `json:"botDisabledAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
}

// ConditionBotStatus 是 /api/bot/status 的返回结构
type ConditionBotStatus struct {
	IsRunning             bool        `json:"isRunning"`
	IsEnabled             bool        `json:"isEnabled"`
	Paused                bool        `json:"paused"`
	MarketData            *MarketData `json:"marketData,omitempty"`
	ActiveConditionsCount int         `json:"activeConditionsCount"`
	Uptime                int64       `json:"uptime"` // 秒
}
