package gateway

import (
	"context"
	"sync"
	"time"

	"hedge-engine/internal/hedge"
)

// Memory 为进程内模拟网关，用于模拟模式与测试。
// 可脚本化每个账户的失败与延迟，并记录全部已派发命令。
type Memory struct {
	mu       sync.Mutex
	latency  time.Duration
	failures map[string]string
	hangs    map[string]struct{}
	sent     []Command
}

// NewMemory 创建模拟网关。
func NewMemory() *Memory {
	return &Memory{
		failures: make(map[string]string),
		hangs:    make(map[string]struct{}),
	}
}

// SetLatency 设置每条命令的模拟执行耗时。
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// FailAccount 让指定账户的后续命令以给定原因失败。
func (m *Memory) FailAccount(accountID, reason string) {
	m.mu.Lock()
	m.failures[accountID] = reason
	m.mu.Unlock()
}

// HangAccount 让指定账户的后续命令一直不返回结果，用于模拟超时。
func (m *Memory) HangAccount(accountID string) {
	m.mu.Lock()
	m.hangs[accountID] = struct{}{}
	m.mu.Unlock()
}

// Reset 清空脚本与命令记录。
func (m *Memory) Reset() {
	m.mu.Lock()
	m.failures = make(map[string]string)
	m.hangs = make(map[string]struct{})
	m.sent = nil
	m.mu.Unlock()
}

// Sent 返回已派发命令的副本。
func (m *Memory) Sent() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.sent))
	copy(out, m.sent)
	return out
}

// Send 记录命令并按脚本返回结果。
func (m *Memory) Send(ctx context.Context, cmd Command) (Result, error) {
	m.mu.Lock()
	m.sent = append(m.sent, cmd)
	latency := m.latency
	reason, failed := m.failures[cmd.AccountID]
	_, hang := m.hangs[cmd.AccountID]
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return Result{}, &hedge.TimeoutError{CommandID: cmd.ID}
	}

	if latency > 0 {
		select {
		case <-ctx.Done():
			return Result{}, &hedge.TimeoutError{CommandID: cmd.ID, Deadline: latency}
		case <-time.After(latency):
		}
	}

	result := Result{
		CommandID:   cmd.ID,
		AccountID:   cmd.AccountID,
		Success:     !failed,
		CompletedAt: time.Now().UTC(),
	}
	if failed {
		result.Error = reason
	} else {
		result.Ticket = "sim-" + cmd.ID
		result.ExecutedPrice = 1.0
	}

	return result, nil
}

var _ Gateway = (*Memory)(nil)
