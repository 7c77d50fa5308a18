package hedge

import "time"

// HedgeType 表示对冲结构类型。
type HedgeType string

const (
	HedgeTypePerfect      HedgeType = "perfect"
	HedgeTypePartial      HedgeType = "partial"
	HedgeTypeCrossAccount HedgeType = "cross_account"
)

// Direction 表示持仓方向。
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Opposite 返回相反方向。
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Status 描述一次操作（链、步骤、执行、再平衡）的生命周期状态。
type Status string

const (
	StatusPending            Status = "pending"
	StatusExecuting          Status = "executing"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LotTotals 汇总买卖两侧手数。
type LotTotals struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

// HedgeSettings 控制单个对冲组的再平衡行为。
type HedgeSettings struct {
	AutoRebalance   bool    `json:"auto_rebalance"`
	MaxImbalance    float64 `json:"max_imbalance"`
	MaintainOnClose bool    `json:"maintain_on_close"`
}

// HedgePosition 表示一组作为整体管理的对冲持仓。
// 记录只会被整体替换，不存在部分更新。
type HedgePosition struct {
	ID             string        `json:"id"`
	PositionIDs    []string      `json:"position_ids"`
	Symbol         string        `json:"symbol"`
	Type           HedgeType     `json:"type"`
	AccountIDs     []string      `json:"account_ids"`
	TotalLots      LotTotals     `json:"total_lots"`
	TotalProfit    float64       `json:"total_profit"`
	IsBalanced     bool          `json:"is_balanced"`
	CreatedAt      time.Time     `json:"created_at"`
	LastRebalanced time.Time     `json:"last_rebalanced,omitzero"`
	Settings       HedgeSettings `json:"settings"`
}

// Imbalance 返回买卖手数差的绝对值。
func (p HedgePosition) Imbalance() float64 {
	diff := p.TotalLots.Buy - p.TotalLots.Sell
	if diff < 0 {
		return -diff
	}
	return diff
}

// PositionDetail 表示账户中的一笔原始持仓。
type PositionDetail struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Lots      float64   `json:"lots"`
	OpenPrice float64   `json:"open_price"`
	Profit    float64   `json:"profit"`
}

// AccountBalance 为外部账户状态提供方推送的账户快照。
type AccountBalance struct {
	AccountID    string           `json:"account_id"`
	TotalEquity  float64          `json:"total_equity"`
	UsedMargin   float64          `json:"used_margin"`
	MarginLevel  float64          `json:"margin_level"`
	RiskExposure float64          `json:"risk_exposure"`
	Positions    []PositionDetail `json:"positions"`
	Status       string           `json:"status"`
}

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// AccountExecution 描述一条账户下单意图，每次派发时新建，完成或补偿后即丢弃。
type AccountExecution struct {
	AccountID   string        `json:"account_id"`
	Symbol      string        `json:"symbol"`
	Direction   Direction     `json:"direction"`
	LotSize     float64       `json:"lot_size"`
	OrderType   OrderType     `json:"order_type"`
	Priority    int           `json:"priority"`
	Delay       time.Duration `json:"delay,omitempty"`
	StopLoss    float64       `json:"stop_loss,omitempty"`
	TakeProfit  float64       `json:"take_profit,omitempty"`
	MaxSlippage float64       `json:"max_slippage,omitempty"`
}

// HedgeBalance 为一次平衡度计算的结果，随算随弃，不做增量维护。
type HedgeBalance struct {
	Imbalance    float64 `json:"imbalance"`
	ImbalancePct float64 `json:"imbalance_pct"`
	NetExposure  float64 `json:"net_exposure"`
	RiskScore    float64 `json:"risk_score"`
	IsBalanced   bool    `json:"is_balanced"`
}

// RiskMetrics 为单个对冲组的风险分项，全部位于 [0,100]。
type RiskMetrics struct {
	ExposureRisk    float64 `json:"exposure_risk"`
	LiquidityRisk   float64 `json:"liquidity_risk"`
	CorrelationRisk float64 `json:"correlation_risk"`
	MarginRisk      float64 `json:"margin_risk"`
	DrawdownRisk    float64 `json:"drawdown_risk"`
	Overall         float64 `json:"overall"`
}

// Urgency 表示再平衡紧迫程度。
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// RebalanceStep 为一条纠偏动作。
type RebalanceStep struct {
	Action       string    `json:"action"` // open | close
	PositionType Direction `json:"position_type"`
	Lots         float64   `json:"lots"`
}

// RebalanceAction 为 BalanceEngine 给出的再平衡建议。
type RebalanceAction struct {
	Required  bool            `json:"required"`
	Urgency   Urgency         `json:"urgency"`
	RiskScore float64         `json:"risk_score"`
	Steps     []RebalanceStep `json:"steps"`
	Reason    string          `json:"reason,omitempty"`
}

// RebalanceTarget 描述一次再平衡要达到的目标状态。
type RebalanceTarget struct {
	HedgeID       string  `json:"hedge_id"`
	TargetBuy     float64 `json:"target_buy"`
	TargetSell    float64 `json:"target_sell"`
	EstimatedCost float64 `json:"estimated_cost"`
	Urgency       Urgency `json:"urgency"`
}

// OptimalLots 为理论最优买卖手数分配。
type OptimalLots struct {
	BuyLots  float64  `json:"buy_lots"`
	SellLots float64  `json:"sell_lots"`
	Notes    []string `json:"notes,omitempty"`
}

// Severity 表示告警严重级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)
