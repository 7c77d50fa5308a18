package riskmodel

import (
	"strings"

	"hedge-engine/internal/hedge"
)

// Model 为风险分项的可插拔计算策略。
// 分项的统计口径（ATR、历史相关性等）由具体实现决定。
type Model interface {
	// LiquidityRisk 根据品种层级与持仓量给出流动性风险，范围 [0,100]。
	LiquidityRisk(symbol string, volume float64) float64
	// CorrelationRisk 根据对冲结构类型给出相关性风险，范围 [0,100]。
	CorrelationRisk(t hedge.HedgeType) float64
}

// 品种层级：主流货币对流动性最好，交叉盘次之，其余按冷门品种处理。
var majorSymbols = map[string]struct{}{
	"EURUSD": {}, "GBPUSD": {}, "USDJPY": {}, "USDCHF": {},
	"AUDUSD": {}, "USDCAD": {}, "NZDUSD": {},
}

var crossCurrencies = []string{"EUR", "GBP", "JPY", "CHF", "AUD", "CAD", "NZD"}

// Static 为确定性的默认模型，只依赖固定层级常数。
type Static struct{}

// NewStatic 创建默认模型。
func NewStatic() *Static {
	return &Static{}
}

// LiquidityRisk 基于品种层级加上持仓量的线性惩罚。
func (s *Static) LiquidityRisk(symbol string, volume float64) float64 {
	base := symbolTierBase(symbol)
	risk := base + volume*2
	return clamp(risk, 0, 100)
}

// CorrelationRisk 按对冲结构给固定档位：完全对冲最低，跨账户最高。
func (s *Static) CorrelationRisk(t hedge.HedgeType) float64 {
	switch t {
	case hedge.HedgeTypePerfect:
		return 10
	case hedge.HedgeTypePartial:
		return 30
	case hedge.HedgeTypeCrossAccount:
		return 50
	default:
		return 50
	}
}

func symbolTierBase(symbol string) float64 {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := majorSymbols[sym]; ok {
		return 10
	}
	count := 0
	for _, cur := range crossCurrencies {
		if strings.Contains(sym, cur) {
			count++
		}
	}
	if count >= 2 {
		return 30
	}
	return 60
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
