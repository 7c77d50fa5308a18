package rebalance

import (
	"time"

	"hedge-engine/internal/chain"
	"hedge-engine/internal/hedge"
)

// ScheduleType 表示再平衡触发方式。
type ScheduleType string

const (
	ScheduleTimeBased      ScheduleType = "time_based"
	ScheduleConditionBased ScheduleType = "condition_based"
	ScheduleManual         ScheduleType = "manual"
)

// Schedule 为单个对冲组的再平衡排程。
type Schedule struct {
	HedgeID            string        `json:"hedge_id"`
	Type               ScheduleType  `json:"type"`
	Interval           time.Duration `json:"interval,omitempty"`
	MaxDailyExecutions int           `json:"max_daily_executions"`
}

// Metrics 为一次再平衡的聚合指标。
type Metrics struct {
	Cost               float64       `json:"cost"`
	RiskReduction      float64       `json:"risk_reduction"`
	BalanceImprovement float64       `json:"balance_improvement"`
	ExecutionTime      time.Duration `json:"execution_time"`
}

// Result 为一次再平衡的完整记录。
type Result struct {
	ID              string                     `json:"id"`
	HedgeID         string                     `json:"hedge_id"`
	Target          hedge.RebalanceTarget      `json:"target"`
	Steps           []hedge.RebalanceStep      `json:"steps"`
	ChainResult     *chain.ChainExecutionResult `json:"chain_result,omitempty"`
	Status          hedge.Status               `json:"status"`
	Metrics         Metrics                    `json:"metrics"`
	UpdatedPosition *hedge.HedgePosition       `json:"updated_position,omitempty"`
	StartedAt       time.Time                  `json:"started_at"`
	FinishedAt      time.Time                  `json:"finished_at"`
	Error           string                     `json:"error,omitempty"`
}

// Statistics 为按对冲组维护的运行统计，均为增量更新，从不全量重算。
type Statistics struct {
	HedgeID          string    `json:"hedge_id"`
	TotalExecutions  int       `json:"total_executions"`
	SuccessRate      float64   `json:"success_rate"`
	AvgCost          float64   `json:"avg_cost"`
	AvgRiskReduction float64   `json:"avg_risk_reduction"`
	LastExecution    time.Time `json:"last_execution"`
}

// observe 增量合入一次执行结果。
func (s *Statistics) observe(success bool, cost, riskReduction float64, at time.Time) {
	s.TotalExecutions++
	n := float64(s.TotalExecutions)

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	s.SuccessRate += (outcome - s.SuccessRate) / n
	s.AvgCost += (cost - s.AvgCost) / n
	s.AvgRiskReduction += (riskReduction - s.AvgRiskReduction) / n
	s.LastExecution = at
}
