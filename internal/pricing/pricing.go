// Package pricing 提供基于 decimal 的价格/数量取整与金额拆分, 避免浮点误差
package pricing

import (
	"github.com/shopspring/decimal"
)

// AdjustToStep 将数值向下取整到步长的整数倍, 例如 step="0.01" 时 1.239 -> 1.23
func AdjustToStep(value float64, step string) float64 {
	s, err := decimal.NewFromString(step)
	if err != nil || !s.IsPositive() {
		return value
	}
	v := decimal.NewFromFloat(value)
	adjusted := v.Div(s).Floor().Mul(s)
	f, _ := adjusted.Float64()
	return f
}

// RoundDown 向下保留 places 位小数
func RoundDown(value float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(value).RoundDown(places).Float64()
	return f
}

// Round 四舍五入保留 places 位小数
func Round(value float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(value).Round(places).Float64()
	return f
}

// SplitEven 把 total 拆分成 parts 份, 每份保留 places 位小数。
// 前 parts-1 份向下取整, 最后一份吸收余数, 保证各份之和严格等于 total (按 places 精度)。
func SplitEven(total float64, parts int, places int32) []float64 {
	if parts <= 0 {
		return nil
	}
	t := decimal.NewFromFloat(total).Round(places)
	each := t.Div(decimal.NewFromInt(int64(parts))).RoundDown(places)
	out := make([]float64, parts)
	sum := decimal.Zero
	for i := 0; i < parts-1; i++ {
		out[i], _ = each.Float64()
		sum = sum.Add(each)
	}
	out[parts-1], _ = t.Sub(sum).Float64()
	return out
}

// Sum 以 decimal 精度求和
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Float64()
	return f
}

// Mul 以 decimal 精度相乘
func Mul(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Float64()
	return f
}

// Div 以 decimal 精度相除, 除数为0时返回0
func Div(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	f, _ := decimal.NewFromFloat(a).DivRound(decimal.NewFromFloat(b), 12).Float64()
	return f
}
