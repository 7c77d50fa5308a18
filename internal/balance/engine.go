package balance

import (
	"fmt"
	"math"

	"hedge-engine/internal/balance/riskmodel"
	"hedge-engine/internal/hedge"
)

const (
	// 风险评分超过该值即认为需要再平衡。
	rebalanceRiskThreshold = 50
	// 风险评分超过该值视为高紧迫度。
	highUrgencyThreshold = 80
	// 流动性偏好达到该值后，目标直接收敛到 50/50。
	highLiquidityPreference = 0.7
)

// RiskModel 抽象风险分项计算，默认使用确定性层级模型。
type RiskModel interface {
	LiquidityRisk(symbol string, volume float64) float64
	CorrelationRisk(t hedge.HedgeType) float64
}

// Engine 为纯计算模块：输入持仓快照，输出平衡度与风险评分。
// 不做任何 I/O，也不持有可变状态。
type Engine struct {
	model RiskModel
}

// NewEngine 创建计算引擎，model 为空时退回默认层级模型。
func NewEngine(model RiskModel) *Engine {
	if model == nil {
		model = riskmodel.NewStatic()
	}
	return &Engine{model: model}
}

// OptimalParams 控制最优手数分配的权衡取向，各分量位于 [0,1]。
type OptimalParams struct {
	RiskTolerance       float64
	LiquidityPreference float64
	CostSensitivity     float64
}

// CalculateBalance 计算对冲组当前的平衡度快照。
func (e *Engine) CalculateBalance(p hedge.HedgePosition) hedge.HedgeBalance {
	buy := p.TotalLots.Buy
	sell := p.TotalLots.Sell

	imbalance := math.Abs(buy - sell)
	total := buy + sell

	pct := 0.0
	if total > 0 {
		pct = imbalance / total
	}

	net := buy - sell
	score := clamp(pct*2+math.Abs(net)*10, 0, 100)

	return hedge.HedgeBalance{
		Imbalance:    imbalance,
		ImbalancePct: pct,
		NetExposure:  net,
		RiskScore:    score,
		IsBalanced:   imbalance <= p.Settings.MaxImbalance,
	}
}

// CalculateOptimalLots 在风险容忍、流动性偏好与成本敏感度之间
// 权衡出理论买卖手数分配。positions 为空时返回校验错误。
func (e *Engine) CalculateOptimalLots(positions []hedge.HedgePosition, params OptimalParams) (hedge.OptimalLots, error) {
	if len(positions) == 0 {
		return hedge.OptimalLots{}, hedge.NewValidationError("positions", "持仓列表不能为空")
	}

	var total float64
	for _, p := range positions {
		total += p.TotalLots.Buy + p.TotalLots.Sell
	}

	result := hedge.OptimalLots{Notes: make([]string, 0, 2)}

	if params.LiquidityPreference >= highLiquidityPreference {
		result.BuyLots = total / 2
		result.SellLots = total / 2
		result.Notes = append(result.Notes, "流动性偏好较高，采用 50/50 对称分配。")
		return result, nil
	}

	// 风险容忍度推高买侧占比，成本敏感度往回拉，
	// 流动性偏好按比例把结果拽向对称分配。
	share := 0.5 + 0.2*(params.RiskTolerance-0.5) - 0.1*(params.CostSensitivity-0.5)
	share = clamp(share, 0.3, 0.7)
	share += (0.5 - share) * params.LiquidityPreference

	result.BuyLots = total * share
	result.SellLots = total * (1 - share)
	result.Notes = append(result.Notes,
		fmt.Sprintf("按权衡得到买侧占比 %.2f%%。", share*100),
	)

	return result, nil
}

// CalculateRebalanceRequirement 判断是否需要再平衡，并给出至多一条纠偏动作：
// 在轻仓一侧补开等于失衡量的手数。同一输入重复调用结果不变。
func (e *Engine) CalculateRebalanceRequirement(p hedge.HedgePosition) hedge.RebalanceAction {
	bal := e.CalculateBalance(p)

	action := hedge.RebalanceAction{
		Required:  !bal.IsBalanced || bal.RiskScore > rebalanceRiskThreshold,
		Urgency:   urgencyFor(bal.RiskScore),
		RiskScore: bal.RiskScore,
		Steps:     make([]hedge.RebalanceStep, 0, 1),
	}

	if !action.Required {
		action.Reason = "当前对冲处于平衡状态"
		return action
	}

	if bal.Imbalance > 0 {
		side := hedge.DirectionBuy
		if p.TotalLots.Buy > p.TotalLots.Sell {
			side = hedge.DirectionSell
		}
		action.Steps = append(action.Steps, hedge.RebalanceStep{
			Action:       "open",
			PositionType: side,
			Lots:         bal.Imbalance,
		})
		action.Reason = fmt.Sprintf("买卖手数失衡 %.2f 手，需在 %s 侧补仓", bal.Imbalance, side)
	} else {
		action.Reason = fmt.Sprintf("风险评分 %.1f 超过阈值 %d", bal.RiskScore, rebalanceRiskThreshold)
	}

	return action
}

// CalculateRiskMetrics 计算风险分项，全部分项限定在 [0,100]，
// 总手数为零时各比率按 0 处理，不产生 NaN 或无穷值。
func (e *Engine) CalculateRiskMetrics(p hedge.HedgePosition) hedge.RiskMetrics {
	bal := e.CalculateBalance(p)
	totalVolume := p.TotalLots.Buy + p.TotalLots.Sell

	exposure := clamp(math.Abs(bal.NetExposure)*10, 0, 100)
	liquidity := clamp(e.model.LiquidityRisk(p.Symbol, totalVolume), 0, 100)
	correlation := clamp(e.model.CorrelationRisk(p.Type), 0, 100)

	margin := clamp(totalVolume*10, 0, 100)
	if n := len(p.AccountIDs); n > 1 {
		// 多账户分散持仓降低保证金集中度。
		margin /= 1 + 0.2*float64(n-1)
	}

	drawdown := 0.0
	if p.TotalProfit < 0 && totalVolume > 0 {
		lossRatio := -p.TotalProfit / (totalVolume * 1000)
		drawdown = clamp(lossRatio*100, 0, 100)
	}

	return hedge.RiskMetrics{
		ExposureRisk:    exposure,
		LiquidityRisk:   liquidity,
		CorrelationRisk: correlation,
		MarginRisk:      margin,
		DrawdownRisk:    drawdown,
		Overall:         (exposure + liquidity + correlation + margin + drawdown) / 5,
	}
}

// Warning 为一条校验告警及其处置建议。
type Warning struct {
	Message        string         `json:"message"`
	Recommendation string         `json:"recommendation"`
	Severity       hedge.Severity `json:"severity"`
}

// ValidateCalculation 对持仓做静态校验，只产出告警不抛错，处置策略由调用方决定。
func (e *Engine) ValidateCalculation(p hedge.HedgePosition) []Warning {
	warnings := make([]Warning, 0, 3)

	if p.TotalLots.Buy < 0 || p.TotalLots.Sell < 0 {
		warnings = append(warnings, Warning{
			Message:        fmt.Sprintf("手数出现负值 buy=%.2f sell=%.2f", p.TotalLots.Buy, p.TotalLots.Sell),
			Recommendation: "检查账户状态源的数据完整性",
			Severity:       hedge.SeverityError,
		})
	}

	if len(p.PositionIDs) == 0 {
		warnings = append(warnings, Warning{
			Message:        "对冲组不包含任何持仓",
			Recommendation: "移除空对冲组或重新关联持仓",
			Severity:       hedge.SeverityWarning,
		})
	}

	if bal := e.CalculateBalance(p); bal.RiskScore > 70 {
		warnings = append(warnings, Warning{
			Message:        fmt.Sprintf("风险评分 %.1f 偏高", bal.RiskScore),
			Recommendation: "考虑立即再平衡或降低净敞口",
			Severity:       hedge.SeverityWarning,
		})
	}

	return warnings
}

func urgencyFor(score float64) hedge.Urgency {
	switch {
	case score > highUrgencyThreshold:
		return hedge.UrgencyHigh
	case score > rebalanceRiskThreshold:
		return hedge.UrgencyMedium
	default:
		return hedge.UrgencyLow
	}
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
