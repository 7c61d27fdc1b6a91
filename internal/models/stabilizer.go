package models

import "time"

// StabilizerPhase 是稳定器状态机的阶段
type StabilizerPhase string

const (
	PhaseIdle       StabilizerPhase = "idle"
	PhaseMonitoring StabilizerPhase = "monitoring"
	PhaseRecovering StabilizerPhase = "recovering"
)

// StabilizerBot 在价格跌破目标价时, 通过分批市价买入把价格推回目标价
type StabilizerBot struct {
	ID               string     `json:"_id"`
	UserID           string     `json:"userId"`
	Name             string     `json:"name"`
	Symbol           string     `json:"symbol"`
	TargetPrice      float64    `json:"targetPrice"`
	IsActive         bool       `json:"isActive"`
	IsRunning        bool       `json:"isRunning"`
	ExecutionCount   int        `json:"executionCount"`
	TotalUsdtSpent   float64    `json:"totalUsdtSpent"`
	SuccessfulOrders int        `json:"successfulOrders"`
	FailedOrders     int        `json:"failedOrders"`
	LastExecutedAt   *time.Time `json:"lastExecutedAt,omitempty"`
	LastCheckedAt    *time.Time `json:"lastCheckedAt,omitempty"`
	LastMarketPrice  float64    `json:"lastMarketPrice"`
	LastFinalPrice   float64    `json:"lastFinalPrice"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Status           BotStatus  `json:"status"`

	Phase             StabilizerPhase `json:"phase"`
	RecoveryStartedAt *time.Time      `json:"recoveryStartedAt,omitempty"`
	Paused            bool            `json:"paused"`
	Pending           *OrderIntent    `json:"pending,omitempty"`
}

// StabilizerStatus 是 /api/bot/stabilizer/status 的汇总
type StabilizerStatus struct {
	TotalBots        int     `json:"totalBots"`
	RunningBots      int     `json:"runningBots"`
	TotalExecutions  int     `json:"totalExecutions"`
	TotalUsdtSpent   float64 `json:"totalUsdtSpent"`
	SuccessfulOrders int     `json:"successfulOrders"`
	FailedOrders     int     `json:"failedOrders"`
}
