package chain

import (
	"time"

	"hedge-engine/internal/hedge"
)

// TriggerType 表示触发条件监控的指标。
type TriggerType string

const (
	TriggerMarginLevel  TriggerType = "margin_level"
	TriggerLossAmount   TriggerType = "loss_amount"
	TriggerProfitTarget TriggerType = "profit_target"
)

// TriggerCondition 表示阈值比较方式，equals 按 ε=0.01 判定。
type TriggerCondition string

const (
	ConditionAbove  TriggerCondition = "above"
	ConditionBelow  TriggerCondition = "below"
	ConditionEquals TriggerCondition = "equals"
)

const equalsEpsilon = 0.01

// Trigger 为一条触发条件。
type Trigger struct {
	Type      TriggerType      `json:"type"`
	Threshold float64          `json:"threshold"`
	Condition TriggerCondition `json:"condition"`
}

// ExecutionMode 表示链内步骤的执行方式。
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// StepType 表示动作步骤类型。
type StepType string

const (
	StepOpenPosition  StepType = "open_position"
	StepClosePosition StepType = "close_position"
)

// ActionStep 为链中一步动作。声明了 Rollback 的步骤会在执行前
// 捕获状态快照，链终态失败时按原始步骤顺序回放补偿。
type ActionStep struct {
	Type      StepType               `json:"type"`
	Execution hedge.AccountExecution `json:"execution"`
	Rollback  *hedge.AccountExecution `json:"rollback,omitempty"`
	Timeout   time.Duration          `json:"timeout,omitempty"`
}

// Rule 为一条已注册的触发规则。AccountID 为空表示对所有账户生效。
type Rule struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id,omitempty"`
	Trigger   Trigger       `json:"trigger"`
	Steps     []ActionStep  `json:"steps"`
	Mode      ExecutionMode `json:"mode"`
	Priority  int           `json:"priority"`
	Active    bool          `json:"active"`
}

// StateSnapshot 为步骤执行前捕获的账户状态。
type StateSnapshot struct {
	TakenAt time.Time            `json:"taken_at"`
	Account hedge.AccountBalance `json:"account"`
}

// ActionExecutionResult 为单步执行记录。
type ActionExecutionResult struct {
	StepIndex  int            `json:"step_index"`
	Type       StepType       `json:"type"`
	Status     hedge.Status   `json:"status"`
	CommandID  string         `json:"command_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Snapshot   *StateSnapshot `json:"snapshot,omitempty"`
}

// ChainExecutionResult 为整条链的生命周期记录。
// 终态之前由派发方独占，终态后只读。
type ChainExecutionResult struct {
	ID         string                  `json:"id"`
	RuleID     string                  `json:"rule_id"`
	AccountID  string                  `json:"account_id"`
	Status     hedge.Status            `json:"status"`
	Steps      []ActionExecutionResult `json:"steps"`
	RolledBack bool                    `json:"rolled_back"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Error      string                  `json:"error,omitempty"`
}

// Matches 判断触发条件是否命中给定账户状态。
func (t Trigger) Matches(state hedge.AccountBalance) bool {
	value := t.observe(state)

	switch t.Condition {
	case ConditionAbove:
		return value > t.Threshold
	case ConditionBelow:
		return value < t.Threshold
	case ConditionEquals:
		diff := value - t.Threshold
		if diff < 0 {
			diff = -diff
		}
		return diff <= equalsEpsilon
	default:
		return false
	}
}

func (t Trigger) observe(state hedge.AccountBalance) float64 {
	switch t.Type {
	case TriggerMarginLevel:
		return state.MarginLevel
	case TriggerLossAmount:
		profit := totalProfit(state)
		if profit < 0 {
			return -profit
		}
		return 0
	case TriggerProfitTarget:
		return totalProfit(state)
	default:
		return 0
	}
}

func totalProfit(state hedge.AccountBalance) float64 {
	var sum float64
	for _, p := range state.Positions {
		sum += p.Profit
	}
	return sum
}
