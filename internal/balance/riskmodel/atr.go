package riskmodel

import (
	"sync"

	talib "github.com/markcheno/go-talib"

	"hedge-engine/internal/hedge"
)

const atrPeriod = 14

// ATR 在默认层级之上叠加波动率修正：波动越大的品种，
// 流动性风险按 ATR 相对值等比例放大。K 线由外部行情源喂入。
type ATR struct {
	static *Static

	mu      sync.RWMutex
	candles map[string]candleSeries
}

type candleSeries struct {
	high  []float64
	low   []float64
	close []float64
}

// NewATR 创建 ATR 修正模型。
func NewATR() *ATR {
	return &ATR{
		static:  NewStatic(),
		candles: make(map[string]candleSeries),
	}
}

// UpdateCandles 更新某品种的 K 线序列，三个切片长度必须一致。
func (a *ATR) UpdateCandles(symbol string, high, low, close []float64) {
	if len(high) != len(low) || len(low) != len(close) {
		return
	}
	a.mu.Lock()
	a.candles[symbol] = candleSeries{high: high, low: low, close: close}
	a.mu.Unlock()
}

// LiquidityRisk 在层级基础上乘以 ATR 相对波动率因子。
func (a *ATR) LiquidityRisk(symbol string, volume float64) float64 {
	base := a.static.LiquidityRisk(symbol, volume)

	rel := a.relativeATR(symbol)
	if rel <= 0 {
		return base
	}

	// 相对 ATR 每 1% 放大基础分 50%，上限封顶在 100。
	return clamp(base*(1+rel*50), 0, 100)
}

// CorrelationRisk 沿用固定层级，历史相关性口径未定，暂不修正。
func (a *ATR) CorrelationRisk(t hedge.HedgeType) float64 {
	return a.static.CorrelationRisk(t)
}

func (a *ATR) relativeATR(symbol string) float64 {
	a.mu.RLock()
	series, ok := a.candles[symbol]
	a.mu.RUnlock()
	if !ok || len(series.close) <= atrPeriod {
		return 0
	}

	atr := talib.Atr(series.high, series.low, series.close, atrPeriod)
	last := atr[len(atr)-1]
	lastClose := series.close[len(series.close)-1]
	if last <= 0 || lastClose <= 0 {
		return 0
	}
	return last / lastClose
}
