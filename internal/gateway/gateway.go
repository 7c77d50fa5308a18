package gateway

import (
	"context"
	"time"

	"hedge-engine/internal/hedge"
)

// Action 表示下单命令类型。
type Action string

const (
	ActionEntry         Action = "ENTRY"
	ActionClosePosition Action = "CLOSE_POSITION"
	ActionModify        Action = "MODIFY"
)

// Command 为一条下单命令，ID 由调用方预先生成并用于结果关联。
type Command struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Action      Action          `json:"action"`
	Symbol      string          `json:"symbol"`
	Direction   hedge.Direction `json:"direction"`
	LotSize     float64         `json:"lot_size"`
	OrderType   hedge.OrderType `json:"order_type"`
	StopLoss    float64         `json:"stop_loss,omitempty"`
	TakeProfit  float64         `json:"take_profit,omitempty"`
	MaxSlippage float64         `json:"max_slippage,omitempty"`
}

// Result 为网关返回的命令执行结果，按 CommandID 与命令关联。
type Result struct {
	CommandID     string    `json:"command_id"`
	AccountID     string    `json:"account_id"`
	Success       bool      `json:"success"`
	Ticket        string    `json:"ticket,omitempty"`
	ExecutedPrice float64   `json:"executed_price,omitempty"`
	Error         string    `json:"error,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Gateway 抽象异步命令网关：每条命令最终都会通过关联结果返回，
// 等待上限由调用方通过 ctx 控制。飞行中的命令无法中止，
// 超时后其最终结果会被丢弃。
type Gateway interface {
	Send(ctx context.Context, cmd Command) (Result, error)
}
