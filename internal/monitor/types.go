package monitor

import (
	"time"

	"hedge-engine/internal/chain"
	"hedge-engine/internal/executor"
	"hedge-engine/internal/guard"
	"hedge-engine/internal/hedge"
	"hedge-engine/internal/rebalance"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventExecution EventType = "execution"
	EventChain     EventType = "chain"
	EventRebalance EventType = "rebalance"
	EventWarning   EventType = "warning"
	EventPosition  EventType = "position"
	EventError     EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ExecutionPayload 记录跨账户执行结果。
type ExecutionPayload struct {
	Result executor.CrossHedgeResult `json:"result"`
}

// ChainPayload 记录动作链结果。
type ChainPayload struct {
	Result chain.ChainExecutionResult `json:"result"`
}

// RebalancePayload 记录再平衡结果。
type RebalancePayload struct {
	Result rebalance.Result `json:"result"`
}

// WarningPayload 记录一致性巡检告警。
type WarningPayload struct {
	Findings []guard.Finding `json:"findings"`
}

// PositionPayload 追踪账户快照。
type PositionPayload struct {
	Balance hedge.AccountBalance `json:"balance"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
