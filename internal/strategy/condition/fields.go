package condition

import (
	"fmt"
	"math"

	"mmbot-engine-go/internal/models"
)

// quotePrice 计价资产 (USDT) 对自身的价格
const quotePrice = 1.0

// equalEpsilon 是 EQUAL/NOT_EQUAL 比较的相对容差
const equalEpsilon = 1e-9

// pass 是一次评估使用的输入。余额在整个评估过程中最多获取一次。
type pass struct {
	snapshot func(symbol string) (*models.MarketSnapshot, error)
	balances func() (map[string]models.Balance, error)
	symbols  map[models.ConditionField]string
	base     string
	quote    string
}

type resolver func(p *pass) (float64, error)

func priceOf(field models.ConditionField) resolver {
	return func(p *pass) (float64, error) {
		symbol, ok := p.symbols[field]
		if !ok || symbol == "" {
			return 0, models.ConfigurationError("resolve", fmt.Errorf("字段 %s 未配置行情交易对", field))
		}
		snap, err := p.snapshot(symbol)
		if err != nil {
			return 0, err
		}
		return snap.LastPrice, nil
	}
}

func freeBalance(asset func(p *pass) string) resolver {
	return func(p *pass) (float64, error) {
		balances, err := p.balances()
		if err != nil {
			return 0, err
		}
		return balances[asset(p)].Free, nil
	}
}

var fieldResolvers = map[models.ConditionField]resolver{
	models.FieldGCBPrice:     priceOf(models.FieldGCBPrice),
	models.FieldBTCPrice:     priceOf(models.FieldBTCPrice),
	models.FieldETHPrice:     priceOf(models.FieldETHPrice),
	models.FieldUSDTPrice:    func(*pass) (float64, error) { return quotePrice, nil },
	models.FieldGCBQuantity:  freeBalance(func(p *pass) string { return p.base }),
	models.FieldUSDTQuantity: freeBalance(func(p *pass) string { return p.quote }),
}

var operators = map[models.ConditionOperator]func(a, b float64) bool{
	models.OpAbove:    func(a, b float64) bool { return a > b },
	models.OpBelow:    func(a, b float64) bool { return a < b },
	models.OpEqual:    nearlyEqual,
	models.OpNotEqual: func(a, b float64) bool { return !nearlyEqual(a, b) },
}

func nearlyEqual(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= equalEpsilon*scale
}

// Compare 用运算符比较字段值和阈值
func Compare(op models.ConditionOperator, value, threshold float64) (bool, error) {
	fn, ok := operators[op]
	if !ok {
		return false, fmt.Errorf("%w: 未知的运算符 %q", models.ErrInvalidInput, op)
	}
	return fn(value, threshold), nil
}

// Resolve 读取字段的当前值
func (p *pass) Resolve(field models.ConditionField) (float64, error) {
	fn, ok := fieldResolvers[field]
	if !ok {
		return 0, fmt.Errorf("%w: 未知的字段 %q", models.ErrInvalidInput, field)
	}
	return fn(p)
}
