package guard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hedge-engine/internal/config"
	"hedge-engine/internal/executor"
	"hedge-engine/internal/hedge"
	"hedge-engine/internal/notify"
)

// Finding 为一条一致性告警。
type Finding struct {
	Check          string         `json:"check"`
	Severity       hedge.Severity `json:"severity"`
	Message        string         `json:"message"`
	Recommendation string         `json:"recommendation,omitempty"`
	HedgeID        string         `json:"hedge_id,omitempty"`
	AccountID      string         `json:"account_id,omitempty"`
}

// Guard 对持仓与账户快照做一致性巡检：孤儿持仓、账户失配、
// 执行时间偏差与手数失衡，结果送入告警器并返回给调用方。
type Guard struct {
	cfg      config.GuardConfig
	notifier notify.Notifier
	logger   *zap.Logger
}

// New 创建校验器。notifier 可为空。
func New(cfg config.GuardConfig, notifier notify.Notifier, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
	}
}

// Check 执行一轮巡检。
func (g *Guard) Check(ctx context.Context, positions []hedge.HedgePosition, accounts []hedge.AccountBalance, executions []executor.CrossHedgeResult) []Finding {
	findings := make([]Finding, 0, 4)
	findings = append(findings, g.checkOrphans(positions, accounts)...)
	findings = append(findings, g.checkAccountMismatch(positions, accounts)...)
	findings = append(findings, g.checkSkew(executions)...)
	findings = append(findings, g.checkImbalance(positions)...)

	for _, f := range findings {
		g.logger.Warn("一致性巡检告警",
			zap.String("check", f.Check),
			zap.String("severity", string(f.Severity)),
			zap.String("message", f.Message),
		)
		if g.notifier != nil {
			g.notifier.Notify(ctx, notify.Alert{
				Severity: f.Severity,
				Title:    "一致性巡检: " + f.Check,
				Message:  f.Message,
				Context: map[string]interface{}{
					"hedge_id":   f.HedgeID,
					"account_id": f.AccountID,
				},
			})
		}
	}

	return findings
}

// checkOrphans 找出不被任何对冲组引用的账户持仓，
// 以及引用了不存在账户持仓的对冲组。
func (g *Guard) checkOrphans(positions []hedge.HedgePosition, accounts []hedge.AccountBalance) []Finding {
	referenced := make(map[string]struct{})
	for _, p := range positions {
		for _, id := range p.PositionIDs {
			referenced[id] = struct{}{}
		}
	}

	existing := make(map[string]string)
	for _, acc := range accounts {
		for _, pos := range acc.Positions {
			existing[pos.ID] = acc.AccountID
		}
	}

	findings := make([]Finding, 0)
	for id, accountID := range existing {
		if _, ok := referenced[id]; !ok {
			findings = append(findings, Finding{
				Check:          "orphaned_position",
				Severity:       hedge.SeverityWarning,
				Message:        fmt.Sprintf("账户 %s 的持仓 %s 不属于任何对冲组", accountID, id),
				Recommendation: "将持仓纳入对冲组或手动平仓",
				AccountID:      accountID,
			})
		}
	}
	for _, p := range positions {
		for _, id := range p.PositionIDs {
			if _, ok := existing[id]; !ok {
				findings = append(findings, Finding{
					Check:          "orphaned_position",
					Severity:       hedge.SeverityError,
					Message:        fmt.Sprintf("对冲组 %s 引用的持仓 %s 在账户快照中不存在", p.ID, id),
					Recommendation: "核对账户状态源并重建对冲组",
					HedgeID:        p.ID,
				})
			}
		}
	}

	return findings
}

func (g *Guard) checkAccountMismatch(positions []hedge.HedgePosition, accounts []hedge.AccountBalance) []Finding {
	known := make(map[string]struct{}, len(accounts))
	for _, acc := range accounts {
		known[acc.AccountID] = struct{}{}
	}

	findings := make([]Finding, 0)
	for _, p := range positions {
		for _, accountID := range p.AccountIDs {
			if _, ok := known[accountID]; !ok {
				findings = append(findings, Finding{
					Check:          "account_mismatch",
					Severity:       hedge.SeverityError,
					Message:        fmt.Sprintf("对冲组 %s 引用的账户 %s 不在账户快照中", p.ID, accountID),
					Recommendation: "检查账户连接状态",
					HedgeID:        p.ID,
					AccountID:      accountID,
				})
			}
		}
	}

	return findings
}

func (g *Guard) checkSkew(executions []executor.CrossHedgeResult) []Finding {
	findings := make([]Finding, 0)
	for _, exec := range executions {
		if exec.MaxSkew > g.cfg.MaxSkewWarning {
			findings = append(findings, Finding{
				Check:          "timing_skew",
				Severity:       hedge.SeverityWarning,
				Message:        fmt.Sprintf("执行 %s 的完成时间偏差 %s 超过告警阈值 %s", exec.ID, exec.MaxSkew, g.cfg.MaxSkewWarning),
				Recommendation: "检查网关延迟或改用交错派发",
			})
		}
	}
	return findings
}

func (g *Guard) checkImbalance(positions []hedge.HedgePosition) []Finding {
	findings := make([]Finding, 0)
	for _, p := range positions {
		if p.Imbalance() > g.cfg.MaxLotImbalance && p.Imbalance() > p.Settings.MaxImbalance {
			findings = append(findings, Finding{
				Check:          "lot_imbalance",
				Severity:       hedge.SeverityWarning,
				Message:        fmt.Sprintf("对冲组 %s 买卖手数失衡 %.2f 手", p.ID, p.Imbalance()),
				Recommendation: "触发再平衡以恢复对冲",
				HedgeID:        p.ID,
			})
		}
	}
	return findings
}
