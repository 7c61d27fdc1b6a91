package stabilizer

import (
	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/pricing"
)

// ImpactModel 估算把最新价推回目标价需要花费的计价资产金额
type ImpactModel interface {
	RequiredQuote(snap *models.MarketSnapshot, target float64) float64
}

// BookWalk 沿卖盘吃单: 价格严格低于目标价的每一档都需要被买掉,
// 遇到第一档 >= 目标价时停止。
type BookWalk struct{}

func (BookWalk) RequiredQuote(snap *models.MarketSnapshot, target float64) float64 {
	if snap == nil || target <= 0 {
		return 0
	}
	parts := make([]float64, 0, len(snap.Asks))
	for _, lvl := range snap.Asks {
		if lvl.Price >= target {
			break
		}
		parts = append(parts, pricing.Mul(lvl.Price, lvl.Quantity))
	}
	return pricing.Sum(parts...)
}
