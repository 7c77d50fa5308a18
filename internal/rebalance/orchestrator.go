package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"hedge-engine/internal/balance"
	"hedge-engine/internal/chain"
	"hedge-engine/internal/config"
	"hedge-engine/internal/hedge"
)

// ErrConcurrencyLimit 在并发再平衡数达到上限时立即返回，不做排队。
var ErrConcurrencyLimit = errors.New("rebalance: Maximum concurrent rebalances reached")

// 每手纠偏动作的估算成本（点差与滑点的粗略折算）。
const costPerLot = 8.0

// Recorder 抽象再平衡事件落库，由监控服务实现。
type Recorder interface {
	RecordRebalance(ctx context.Context, result Result)
}

// Orchestrator 决定是否以及何时再平衡：
// 通过 BalanceEngine 评估，构建目标，经动作链引擎执行，维护运行统计。
type Orchestrator struct {
	cfg      config.RebalanceConfig
	engine   *balance.Engine
	chains   *chain.Engine
	recorder Recorder
	logger   *zap.Logger

	mu         sync.Mutex
	active     map[string]*run
	history    []Result
	schedules  map[string]Schedule
	lastRun    map[string]time.Time
	dailyCount map[string]int
	stats      map[string]*Statistics
}

type run struct {
	result    *Result
	cancel    context.CancelFunc
	cancelled bool
}

// NewOrchestrator 创建再平衡调度器。recorder 可为空。
func NewOrchestrator(cfg config.RebalanceConfig, engine *balance.Engine, chains *chain.Engine, recorder Recorder, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		engine:     engine,
		chains:     chains,
		recorder:   recorder,
		logger:     logger,
		active:     make(map[string]*run),
		schedules:  make(map[string]Schedule),
		lastRun:    make(map[string]time.Time),
		dailyCount: make(map[string]int),
		stats:      make(map[string]*Statistics),
	}
}

// SetSchedule 设置某对冲组的排程。
func (o *Orchestrator) SetSchedule(s Schedule) error {
	switch s.Type {
	case ScheduleTimeBased, ScheduleConditionBased, ScheduleManual:
	default:
		return hedge.NewValidationError("schedule.type", fmt.Sprintf("未知排程类型 %q", s.Type))
	}
	if s.HedgeID == "" {
		return hedge.NewValidationError("schedule.hedge_id", "不能为空")
	}
	if s.MaxDailyExecutions <= 0 {
		s.MaxDailyExecutions = o.cfg.MaxDailyExecutions
	}
	if s.Type == ScheduleTimeBased && s.Interval <= 0 {
		s.Interval = o.cfg.Interval
	}

	o.mu.Lock()
	o.schedules[s.HedgeID] = s
	o.mu.Unlock()
	return nil
}

// ExecuteAutoRebalance 在满足前提时执行一次自动再平衡：
// 组内开启了自动再平衡、当日执行数未达排程上限、且 BalanceEngine 判定需要。
func (o *Orchestrator) ExecuteAutoRebalance(ctx context.Context, position hedge.HedgePosition) (*Result, error) {
	if !position.Settings.AutoRebalance {
		return nil, hedge.NewValidationError("settings.auto_rebalance", fmt.Sprintf("对冲组 %s 未开启自动再平衡", position.ID))
	}

	if err := o.checkDailyCap(position.ID); err != nil {
		return nil, err
	}

	action := o.engine.CalculateRebalanceRequirement(position)
	if !action.Required {
		return nil, hedge.NewValidationError("position", fmt.Sprintf("对冲组 %s 当前无需再平衡", position.ID))
	}

	target := buildTarget(position, action)
	return o.execute(ctx, position, target, action.Steps)
}

// ExecuteManualRebalance 校验目标后走与自动路径相同的执行流程。
func (o *Orchestrator) ExecuteManualRebalance(ctx context.Context, position hedge.HedgePosition, target hedge.RebalanceTarget) (*Result, error) {
	if target.HedgeID != position.ID {
		return nil, hedge.NewValidationError("target.hedge_id", fmt.Sprintf("目标 %s 与对冲组 %s 不匹配", target.HedgeID, position.ID))
	}
	if target.TargetBuy < 0 || target.TargetSell < 0 {
		return nil, hedge.NewValidationError("target", "目标手数不能为负")
	}
	if target.EstimatedCost < 0 {
		return nil, hedge.NewValidationError("target.estimated_cost", "估算成本不能为负")
	}

	steps := stepsToward(position, target)
	if len(steps) == 0 {
		return nil, hedge.NewValidationError("target", "目标与当前持仓一致，无需执行")
	}

	return o.execute(ctx, position, target, steps)
}

// EvaluatePoll 供外部轮询调用：按 condition_based 排程评估对冲组，
// 命中且超过最小执行间隔时触发自动再平衡。
func (o *Orchestrator) EvaluatePoll(ctx context.Context, position hedge.HedgePosition) (*Result, error) {
	o.mu.Lock()
	schedule, ok := o.schedules[position.ID]
	last := o.lastRun[position.ID]
	o.mu.Unlock()

	if !ok || schedule.Type != ScheduleConditionBased {
		return nil, nil
	}
	if !last.IsZero() && time.Since(last) < o.cfg.MinConditionInterval {
		return nil, nil
	}

	action := o.engine.CalculateRebalanceRequirement(position)
	if !action.Required {
		return nil, nil
	}

	return o.ExecuteAutoRebalance(ctx, position)
}

// Tick 供定时循环调用：按 time_based 排程到期触发自动再平衡。
func (o *Orchestrator) Tick(ctx context.Context, positions []hedge.HedgePosition) []Result {
	now := time.Now()
	results := make([]Result, 0)

	for _, position := range positions {
		o.mu.Lock()
		schedule, ok := o.schedules[position.ID]
		last := o.lastRun[position.ID]
		o.mu.Unlock()

		if !ok || schedule.Type != ScheduleTimeBased {
			continue
		}
		if !last.IsZero() && now.Sub(last) < schedule.Interval {
			continue
		}

		result, err := o.ExecuteAutoRebalance(ctx, position)
		if err != nil {
			if !hedge.IsValidation(err) {
				o.logger.Warn("定时再平衡失败", zap.String("hedge_id", position.ID), zap.Error(err))
			}
			continue
		}
		results = append(results, *result)
	}

	return results
}

// CancelRebalance 仅在 pending/executing 状态下合法；
// 取消在途腿但不触发补偿，补偿决策留给调用方。
func (o *Orchestrator) CancelRebalance(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.active[id]
	if !ok {
		return hedge.NewValidationError("id", fmt.Sprintf("再平衡 %s 不存在或已终结", id))
	}
	if r.result.Status != hedge.StatusPending && r.result.Status != hedge.StatusExecuting {
		return hedge.NewValidationError("status", fmt.Sprintf("状态 %s 下不允许取消", r.result.Status))
	}

	r.cancelled = true
	r.result.Status = hedge.StatusCancelled
	r.cancel()
	return nil
}

// ActiveRebalances 返回执行中再平衡的快照。
func (o *Orchestrator) ActiveRebalances() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Result, 0, len(o.active))
	for _, r := range o.active {
		out = append(out, *r.result)
	}
	return out
}

// History 返回已终结再平衡的只读副本。
func (o *Orchestrator) History() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Result, len(o.history))
	copy(out, o.history)
	return out
}

// Statistics 返回某对冲组的运行统计。
func (o *Orchestrator) Statistics(hedgeID string) (Statistics, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[hedgeID]
	if !ok {
		return Statistics{}, false
	}
	return *s, true
}

func (o *Orchestrator) execute(ctx context.Context, position hedge.HedgePosition, target hedge.RebalanceTarget, steps []hedge.RebalanceStep) (*Result, error) {
	result := &Result{
		ID:        hedge.NewID(),
		HedgeID:   position.ID,
		Target:    target,
		Steps:     steps,
		Status:    hedge.StatusPending,
		StartedAt: time.Now().UTC(),
	}

	runCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if len(o.active) >= o.cfg.MaxConcurrentRebalances {
		o.mu.Unlock()
		cancel()
		return nil, ErrConcurrencyLimit
	}
	// 注册表持有的是快照，执行流独占本地记录；
	// 取消只改写快照与取消标志，终态由 finalize 统一裁定。
	snapshot := *result
	o.active[result.ID] = &run{result: &snapshot, cancel: cancel}
	o.mu.Unlock()

	defer cancel()
	defer o.finalize(ctx, position, result)

	result.Status = hedge.StatusExecuting
	o.publish(result)

	accountID := ""
	if len(position.AccountIDs) > 0 {
		accountID = position.AccountIDs[0]
	}

	chainSteps := make([]chain.ActionStep, 0, len(steps))
	for _, step := range steps {
		stepType := chain.StepOpenPosition
		if step.Action == "close" {
			stepType = chain.StepClosePosition
		}
		chainSteps = append(chainSteps, chain.ActionStep{
			Type: stepType,
			Execution: hedge.AccountExecution{
				AccountID: accountID,
				Symbol:    position.Symbol,
				Direction: step.PositionType,
				LotSize:   step.Lots,
				OrderType: hedge.OrderTypeMarket,
			},
		})
	}

	chainResult, err := o.chains.ExecuteSteps(runCtx, accountID, chainSteps, chain.ModeSequential)
	if err != nil {
		result.Status = hedge.StatusFailed
		result.Error = err.Error()
		return result, err
	}

	result.ChainResult = &chainResult
	result.Status = chainResult.Status
	result.Error = chainResult.Error

	if result.Status == hedge.StatusCompleted {
		result.UpdatedPosition = applySteps(position, steps)
		result.Metrics = o.measure(position, *result.UpdatedPosition, steps, result.StartedAt)
	}

	return result, nil
}

// publish 把执行流本地记录的最新状态复制进注册表快照，
// 已被取消的记录保持取消状态不回退。
func (o *Orchestrator) publish(result *Result) {
	o.mu.Lock()
	if stored, ok := o.active[result.ID]; ok && !stored.cancelled {
		*stored.result = *result
	}
	o.mu.Unlock()
}

func (o *Orchestrator) finalize(ctx context.Context, position hedge.HedgePosition, result *Result) {
	result.FinishedAt = time.Now().UTC()
	result.Metrics.ExecutionTime = result.FinishedAt.Sub(result.StartedAt)

	o.mu.Lock()
	// 取消可能发生在链执行覆盖状态之后，以取消标志为准保留取消终态。
	if stored, ok := o.active[result.ID]; ok && stored.cancelled {
		result.Status = hedge.StatusCancelled
	}
	if !result.Status.Terminal() {
		result.Status = hedge.StatusFailed
	}
	delete(o.active, result.ID)
	o.history = append(o.history, *result)
	o.lastRun[position.ID] = time.Now()
	o.bumpDailyLocked(position.ID)

	stats, ok := o.stats[position.ID]
	if !ok {
		stats = &Statistics{HedgeID: position.ID}
		o.stats[position.ID] = stats
	}
	stats.observe(result.Status == hedge.StatusCompleted, result.Metrics.Cost, result.Metrics.RiskReduction, result.FinishedAt)
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.RecordRebalance(ctx, *result)
	}

	o.logger.Info("再平衡已终结",
		zap.String("rebalance_id", result.ID),
		zap.String("hedge_id", result.HedgeID),
		zap.String("status", string(result.Status)),
		zap.Float64("cost", result.Metrics.Cost),
	)
}

func (o *Orchestrator) measure(before, after hedge.HedgePosition, steps []hedge.RebalanceStep, startedAt time.Time) Metrics {
	var lots float64
	for _, step := range steps {
		lots += step.Lots
	}

	riskBefore := o.engine.CalculateBalance(before).RiskScore
	riskAfter := o.engine.CalculateBalance(after).RiskScore

	return Metrics{
		Cost:               lots * costPerLot,
		RiskReduction:      riskBefore - riskAfter,
		BalanceImprovement: before.Imbalance() - after.Imbalance(),
		ExecutionTime:      time.Since(startedAt),
	}
}

func (o *Orchestrator) checkDailyCap(hedgeID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	limit := o.cfg.MaxDailyExecutions
	if schedule, ok := o.schedules[hedgeID]; ok && schedule.MaxDailyExecutions > 0 {
		limit = schedule.MaxDailyExecutions
	}

	key := dailyKey(hedgeID, time.Now(), o.cfg.DailyResetHour)
	if o.dailyCount[key] >= limit {
		return &hedge.SafetyViolation{
			Check:  "daily_cap",
			Reason: fmt.Sprintf("对冲组 %s 当日执行数已达上限 %d", hedgeID, limit),
			Level:  hedge.SeverityWarning,
		}
	}
	return nil
}

func (o *Orchestrator) bumpDailyLocked(hedgeID string) {
	key := dailyKey(hedgeID, time.Now(), o.cfg.DailyResetHour)
	o.dailyCount[key]++
}

func buildTarget(position hedge.HedgePosition, action hedge.RebalanceAction) hedge.RebalanceTarget {
	top := math.Max(position.TotalLots.Buy, position.TotalLots.Sell)
	var lots float64
	for _, step := range action.Steps {
		lots += step.Lots
	}

	return hedge.RebalanceTarget{
		HedgeID:       position.ID,
		TargetBuy:     top,
		TargetSell:    top,
		EstimatedCost: lots * costPerLot,
		Urgency:       action.Urgency,
	}
}

// stepsToward 计算从当前持仓到目标状态所需的纠偏动作。
func stepsToward(position hedge.HedgePosition, target hedge.RebalanceTarget) []hedge.RebalanceStep {
	steps := make([]hedge.RebalanceStep, 0, 2)

	if diff := target.TargetBuy - position.TotalLots.Buy; math.Abs(diff) > 1e-9 {
		step := hedge.RebalanceStep{PositionType: hedge.DirectionBuy, Lots: math.Abs(diff)}
		if diff > 0 {
			step.Action = "open"
		} else {
			step.Action = "close"
		}
		steps = append(steps, step)
	}
	if diff := target.TargetSell - position.TotalLots.Sell; math.Abs(diff) > 1e-9 {
		step := hedge.RebalanceStep{PositionType: hedge.DirectionSell, Lots: math.Abs(diff)}
		if diff > 0 {
			step.Action = "open"
		} else {
			step.Action = "close"
		}
		steps = append(steps, step)
	}

	return steps
}

// applySteps 得到执行后的新持仓记录，整体替换而非原地修改。
func applySteps(position hedge.HedgePosition, steps []hedge.RebalanceStep) *hedge.HedgePosition {
	updated := position
	updated.PositionIDs = append([]string(nil), position.PositionIDs...)
	updated.AccountIDs = append([]string(nil), position.AccountIDs...)

	for _, step := range steps {
		delta := step.Lots
		if step.Action == "close" {
			delta = -delta
		}
		if step.PositionType == hedge.DirectionBuy {
			updated.TotalLots.Buy += delta
		} else {
			updated.TotalLots.Sell += delta
		}
	}

	updated.IsBalanced = updated.Imbalance() <= updated.Settings.MaxImbalance
	updated.LastRebalanced = time.Now().UTC()
	return &updated
}

func dailyKey(hedgeID string, ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	return hedgeID + ":" + shifted.Format("2006-01-02")
}
