package executor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hedge-engine/internal/config"
	"hedge-engine/internal/gateway"
	"hedge-engine/internal/hedge"
)

// 全部腿完成后，买卖总手数差小于该值才会落成对冲组。
const balancedEpsilon = 0.01

// Recorder 抽象执行事件落库，由监控服务实现。
type Recorder interface {
	RecordExecution(ctx context.Context, result CrossHedgeResult)
}

// Executor 负责把一组相关联的买卖腿作为近原子操作派发到多个账户，
// 测量完成时间偏差，在部分失败时驱动补偿流程。
type Executor struct {
	gw             gateway.Gateway
	cfg            config.ExecutionConfig
	commandTimeout time.Duration
	recorder       Recorder
	logger         *zap.Logger

	mu      sync.RWMutex
	active  map[string]*CrossHedgeResult
	history []CrossHedgeResult
}

// New 创建同步执行器。recorder 可为空。
func New(gw gateway.Gateway, cfg config.ExecutionConfig, commandTimeout time.Duration, recorder Recorder, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	if cfg.MaxAllowedSkew <= 0 {
		cfg.MaxAllowedSkew = 2 * time.Second
	}
	return &Executor{
		gw:             gw,
		cfg:            cfg,
		commandTimeout: commandTimeout,
		recorder:       recorder,
		logger:         logger,
		active:         make(map[string]*CrossHedgeResult),
	}
}

// ExecuteCrossAccountHedge 在 N 个账户上派发关联买卖腿。
// 保证金校验不通过时立即失败且不发出任何订单。
func (e *Executor) ExecuteCrossAccountHedge(ctx context.Context, accounts []hedge.AccountBalance, symbol string, lots, hedgeRatio float64) (*CrossHedgeResult, error) {
	if len(accounts) < 2 {
		return nil, hedge.NewValidationError("accounts", fmt.Sprintf("跨账户对冲至少需要2个账户，当前 %d", len(accounts)))
	}
	if lots <= 0 {
		return nil, hedge.NewValidationError("lots", "手数必须大于0")
	}
	if hedgeRatio <= 0 {
		return nil, hedge.NewValidationError("hedgeRatio", "对冲比例必须大于0")
	}

	result := &CrossHedgeResult{
		ID:        hedge.NewID(),
		Symbol:    symbol,
		Status:    hedge.StatusPending,
		RiskLevel: hedge.SeverityInfo,
		StartedAt: time.Now().UTC(),
	}

	// 先占据注册表再派发，并发触发不会相互覆盖。
	// 注册表持有的是快照，派发流独占本地记录，状态推进时经 publish 发布。
	e.mu.Lock()
	snapshot := *result
	e.active[result.ID] = &snapshot
	e.mu.Unlock()
	defer e.finalize(ctx, result)

	if err := e.validateMargin(accounts); err != nil {
		result.Status = hedge.StatusFailed
		result.RiskLevel = hedge.SeverityCritical
		result.Error = err.Error()
		return result, err
	}

	executions := partitionAccounts(accounts, symbol, lots, hedgeRatio, e.cfg.StaggerDelay)
	result.Status = hedge.StatusExecuting
	e.publish(result)

	var legs []LegResult
	switch e.cfg.Strategy {
	case "staggered":
		legs = e.dispatchStaggered(ctx, executions)
	default:
		legs = e.dispatchSimultaneous(ctx, executions)
	}
	result.Legs = legs

	e.measureSkew(result)
	e.classify(result)
	e.publish(result)

	if result.Status == hedge.StatusPartiallyCompleted {
		e.compensate(ctx, result)
	}

	if result.Status == hedge.StatusCompleted {
		result.Position = materializePosition(result, accounts)
	}

	return result, nil
}

// publish 把派发流本地记录的最新状态复制进注册表快照。
// 复制后快照与本地记录共享切片底层数组，已发布切片的元素不再原地修改。
func (e *Executor) publish(result *CrossHedgeResult) {
	e.mu.Lock()
	if stored, ok := e.active[result.ID]; ok {
		*stored = *result
	}
	e.mu.Unlock()
}

// ActiveExecutions 返回尚未终结的执行快照。
func (e *Executor) ActiveExecutions() []CrossHedgeResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CrossHedgeResult, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, *r)
	}
	return out
}

// ExecutionHistory 返回已终结执行的只读副本。
func (e *Executor) ExecutionHistory() []CrossHedgeResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CrossHedgeResult, len(e.history))
	copy(out, e.history)
	return out
}

// Lookup 按 id 查询历史结果。
func (e *Executor) Lookup(id string) (CrossHedgeResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.active[id]; ok {
		return *r, true
	}
	for i := range e.history {
		if e.history[i].ID == id {
			return e.history[i], true
		}
	}
	return CrossHedgeResult{}, false
}

func (e *Executor) validateMargin(accounts []hedge.AccountBalance) error {
	var totalEquity, totalUsed float64

	for _, acc := range accounts {
		if acc.TotalEquity <= 0 {
			return &hedge.SafetyViolation{
				Check:  "margin",
				Reason: fmt.Sprintf("账户 %s 净值无效", acc.AccountID),
				Level:  hedge.SeverityCritical,
			}
		}
		if util := acc.UsedMargin / acc.TotalEquity; util > e.cfg.MaxMarginUtilization {
			return &hedge.SafetyViolation{
				Check:  "margin",
				Reason: fmt.Sprintf("账户 %s 保证金占用 %.1f%% 超过限制 %.1f%%", acc.AccountID, util*100, e.cfg.MaxMarginUtilization*100),
				Level:  hedge.SeverityCritical,
			}
		}
		totalEquity += acc.TotalEquity
		totalUsed += acc.UsedMargin
	}

	if util := totalUsed / totalEquity; util > e.cfg.MaxMarginUtilization {
		return &hedge.SafetyViolation{
			Check:  "margin",
			Reason: fmt.Sprintf("聚合保证金占用 %.1f%% 超过限制 %.1f%%", util*100, e.cfg.MaxMarginUtilization*100),
			Level:  hedge.SeverityCritical,
		}
	}

	return nil
}

// partitionAccounts 把账户划分为买卖两组（ceil(n/2) 对余下），
// 组内手数平均分摊，卖侧按对冲比例缩放。
func partitionAccounts(accounts []hedge.AccountBalance, symbol string, lots, hedgeRatio float64, staggerDelay time.Duration) []hedge.AccountExecution {
	n := len(accounts)
	buyCount := (n + 1) / 2
	sellCount := n - buyCount

	executions := make([]hedge.AccountExecution, 0, n)
	for i, acc := range accounts {
		exec := hedge.AccountExecution{
			AccountID: acc.AccountID,
			Symbol:    symbol,
			OrderType: hedge.OrderTypeMarket,
			Priority:  n - i,
			Delay:     staggerDelay,
		}
		if i < buyCount {
			exec.Direction = hedge.DirectionBuy
			exec.LotSize = roundLots(lots / float64(buyCount))
		} else {
			exec.Direction = hedge.DirectionSell
			exec.LotSize = roundLots(lots * hedgeRatio / float64(sellCount))
		}
		executions = append(executions, exec)
	}

	return executions
}

func (e *Executor) dispatchSimultaneous(ctx context.Context, executions []hedge.AccountExecution) []LegResult {
	legs := make([]LegResult, len(executions))

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range executions {
		group.Go(func() error {
			legs[i] = e.dispatchLeg(groupCtx, executions[i])
			return nil
		})
	}
	_ = group.Wait()

	return legs
}

// dispatchStaggered 按优先级从高到低依次派发，腿间保持配置的间隔；
// 即使某条腿失败也继续跑完剩余腿。
func (e *Executor) dispatchStaggered(ctx context.Context, executions []hedge.AccountExecution) []LegResult {
	ordered := make([]hedge.AccountExecution, len(executions))
	copy(ordered, executions)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].AccountID < ordered[j].AccountID
	})

	legs := make([]LegResult, 0, len(ordered))
	for i, exec := range ordered {
		if i > 0 && exec.Delay > 0 {
			select {
			case <-ctx.Done():
				legs = append(legs, LegResult{
					AccountID: exec.AccountID,
					Symbol:    exec.Symbol,
					Direction: exec.Direction,
					LotSize:   exec.LotSize,
					Error:     "执行已取消",
				})
				continue
			case <-time.After(exec.Delay):
			}
		}
		legs = append(legs, e.dispatchLeg(ctx, exec))
	}

	return legs
}

func (e *Executor) dispatchLeg(ctx context.Context, exec hedge.AccountExecution) LegResult {
	leg := LegResult{
		CommandID: hedge.NewID(),
		AccountID: exec.AccountID,
		Symbol:    exec.Symbol,
		Direction: exec.Direction,
		LotSize:   exec.LotSize,
		SentAt:    time.Now().UTC(),
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	result, err := e.gw.Send(cmdCtx, gateway.Command{
		ID:          leg.CommandID,
		AccountID:   exec.AccountID,
		Action:      gateway.ActionEntry,
		Symbol:      exec.Symbol,
		Direction:   exec.Direction,
		LotSize:     exec.LotSize,
		OrderType:   exec.OrderType,
		StopLoss:    exec.StopLoss,
		TakeProfit:  exec.TakeProfit,
		MaxSlippage: exec.MaxSlippage,
	})

	leg.CompletedAt = time.Now().UTC()
	switch {
	case err != nil:
		leg.Error = err.Error()
	case !result.Success:
		leg.Error = result.Error
	default:
		leg.Success = true
		if !result.CompletedAt.IsZero() {
			leg.CompletedAt = result.CompletedAt
		}
	}

	return leg
}

// measureSkew 以最先完成的腿为基准计算各腿时间偏差。
func (e *Executor) measureSkew(result *CrossHedgeResult) {
	var first time.Time
	for _, leg := range result.Legs {
		if leg.CompletedAt.IsZero() {
			continue
		}
		if first.IsZero() || leg.CompletedAt.Before(first) {
			first = leg.CompletedAt
		}
	}
	if first.IsZero() {
		return
	}

	var maxSkew time.Duration
	for i := range result.Legs {
		if result.Legs[i].CompletedAt.IsZero() {
			continue
		}
		skew := result.Legs[i].CompletedAt.Sub(first)
		result.Legs[i].Skew = skew
		if skew > maxSkew {
			maxSkew = skew
		}
	}

	result.MaxSkew = maxSkew
	result.SyncAccuracy = math.Max(0, 1-float64(maxSkew)/float64(e.cfg.MaxAllowedSkew))
}

func (e *Executor) classify(result *CrossHedgeResult) {
	succeeded := 0
	for _, leg := range result.Legs {
		if leg.Success {
			succeeded++
		}
	}

	switch {
	case succeeded == len(result.Legs):
		result.Status = hedge.StatusCompleted
	case succeeded == 0:
		result.Status = hedge.StatusFailed
		result.RiskLevel = hedge.SeverityError
		result.Error = "所有账户腿执行失败"
	default:
		result.Status = hedge.StatusPartiallyCompleted
		result.RiskLevel = hedge.SeverityWarning
		result.Error = (&hedge.PartialExecutionError{
			Succeeded: succeeded,
			Failed:    len(result.Legs) - succeeded,
		}).Error()
	}
}

// compensate 为每条失败腿构建镜像补偿单；自动模式立即按固定间隔执行，
// 手动模式仅挂出等待人工确认，不做重试。
func (e *Executor) compensate(ctx context.Context, result *CrossHedgeResult) {
	for _, leg := range result.Legs {
		if leg.Success {
			continue
		}
		result.Compensations = append(result.Compensations, CompensationAction{
			AccountID: leg.AccountID,
			Symbol:    leg.Symbol,
			Direction: leg.Direction,
			LotSize:   leg.LotSize,
			Status:    hedge.StatusPending,
		})
	}

	if e.cfg.CompensationMode != "automatic" {
		e.logger.Warn("存在待人工确认的补偿动作",
			zap.String("execution_id", result.ID),
			zap.Int("count", len(result.Compensations)),
		)
		return
	}

	allCompensated := true
	for i := range result.Compensations {
		if i > 0 && e.cfg.CompensationDelay > 0 {
			select {
			case <-ctx.Done():
				allCompensated = false
				result.Compensations[i].Status = hedge.StatusCancelled
				continue
			case <-time.After(e.cfg.CompensationDelay):
			}
		}

		comp := &result.Compensations[i]
		comp.CommandID = hedge.NewID()
		comp.Status = hedge.StatusExecuting

		cmdCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
		res, err := e.gw.Send(cmdCtx, gateway.Command{
			ID:        comp.CommandID,
			AccountID: comp.AccountID,
			Action:    gateway.ActionEntry,
			Symbol:    comp.Symbol,
			Direction: comp.Direction,
			LotSize:   comp.LotSize,
			OrderType: hedge.OrderTypeMarket,
		})
		cancel()

		switch {
		case err != nil:
			comp.Status = hedge.StatusFailed
			comp.Error = err.Error()
			allCompensated = false
		case !res.Success:
			comp.Status = hedge.StatusFailed
			comp.Error = res.Error
			allCompensated = false
		default:
			comp.Status = hedge.StatusCompleted
		}
	}

	// 重新评定结果：补偿全部成功则风险降级，否则升级等待处置。
	if allCompensated {
		result.RiskLevel = hedge.SeverityInfo
	} else {
		result.RiskLevel = hedge.SeverityError
	}
}

func materializePosition(result *CrossHedgeResult, accounts []hedge.AccountBalance) *hedge.HedgePosition {
	var buyTotal, sellTotal float64
	positionIDs := make([]string, 0, len(result.Legs))
	for _, leg := range result.Legs {
		if leg.Direction == hedge.DirectionBuy {
			buyTotal += leg.LotSize
		} else {
			sellTotal += leg.LotSize
		}
		positionIDs = append(positionIDs, leg.CommandID)
	}

	accountIDs := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		accountIDs = append(accountIDs, acc.AccountID)
	}

	return &hedge.HedgePosition{
		ID:          hedge.NewID(),
		PositionIDs: positionIDs,
		Symbol:      result.Symbol,
		Type:        hedge.HedgeTypeCrossAccount,
		AccountIDs:  accountIDs,
		TotalLots:   hedge.LotTotals{Buy: buyTotal, Sell: sellTotal},
		IsBalanced:  math.Abs(buyTotal-sellTotal) < balancedEpsilon,
		CreatedAt:   time.Now().UTC(),
		Settings: hedge.HedgeSettings{
			AutoRebalance: true,
			MaxImbalance:  balancedEpsilon,
		},
	}
}

func (e *Executor) finalize(ctx context.Context, result *CrossHedgeResult) {
	result.FinishedAt = time.Now().UTC()
	if !result.Status.Terminal() {
		result.Status = hedge.StatusFailed
	}

	e.mu.Lock()
	delete(e.active, result.ID)
	e.history = append(e.history, *result)
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordExecution(ctx, *result)
	}

	e.logger.Info("跨账户执行已终结",
		zap.String("execution_id", result.ID),
		zap.String("status", string(result.Status)),
		zap.Duration("max_skew", result.MaxSkew),
		zap.Float64("sync_accuracy", result.SyncAccuracy),
	)
}

func roundLots(v float64) float64 {
	return math.Round(v*100) / 100
}
