package executor

import (
	"time"

	"hedge-engine/internal/hedge"
)

// LegResult 记录单条账户腿的派发与完成情况。
// 失败的腿要么被补偿，要么连同命令 id 一起上报，绝不静默丢弃。
type LegResult struct {
	CommandID   string          `json:"command_id"`
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Direction   hedge.Direction `json:"direction"`
	LotSize     float64         `json:"lot_size"`
	SentAt      time.Time       `json:"sent_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	Skew        time.Duration   `json:"skew"`
}

// CompensationAction 为针对失败腿的纠偏订单，
// 镜像失败腿的 (accountId, symbol, direction, lotSize)。
type CompensationAction struct {
	CommandID string          `json:"command_id,omitempty"`
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Direction hedge.Direction `json:"direction"`
	LotSize   float64         `json:"lot_size"`
	Status    hedge.Status    `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// CrossHedgeResult 为一次跨账户同步执行的完整结果。
// 在终态之前由派发方独占，终态后只读，可按 id 查询。
type CrossHedgeResult struct {
	ID            string               `json:"id"`
	Symbol        string               `json:"symbol"`
	Status        hedge.Status         `json:"status"`
	RiskLevel     hedge.Severity       `json:"risk_level"`
	Legs          []LegResult          `json:"legs"`
	MaxSkew       time.Duration        `json:"max_skew"`
	SyncAccuracy  float64              `json:"sync_accuracy"`
	Compensations []CompensationAction `json:"compensations,omitempty"`
	Position      *hedge.HedgePosition `json:"position,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Error         string               `json:"error,omitempty"`
}
