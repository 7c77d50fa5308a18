package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hedge-engine/internal/config"
	"hedge-engine/internal/gateway"
	"hedge-engine/internal/hedge"
)

// Recorder 抽象链执行事件落库，由监控服务实现。
type Recorder interface {
	RecordChain(ctx context.Context, result ChainExecutionResult)
}

// Observer 在链开始与终结时收到回调，替代进程级事件总线。
type Observer interface {
	ChainStarted(result ChainExecutionResult)
	ChainFinished(result ChainExecutionResult)
}

type chainRun struct {
	result    *ChainExecutionResult
	cancel    context.CancelFunc
	cancelled bool
}

// Engine 为通用的"触发条件 → 顺序/并行步骤"状态机，
// 支持回滚、并发上限与紧急停止。
type Engine struct {
	gw       gateway.Gateway
	cfg      config.ChainConfig
	recorder Recorder
	observer Observer
	logger   *zap.Logger

	mu        sync.Mutex
	rules     map[string]*Rule
	active    map[string]*chainRun
	history   []ChainExecutionResult
	executing int
	stopped   bool
}

// NewEngine 创建动作链引擎。recorder 与 observer 可为空。
func NewEngine(gw gateway.Gateway, cfg config.ChainConfig, recorder Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &Engine{
		gw:       gw,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		rules:    make(map[string]*Rule),
		active:   make(map[string]*chainRun),
	}
}

// SetObserver 设置链生命周期回调。
func (e *Engine) SetObserver(obs Observer) {
	e.mu.Lock()
	e.observer = obs
	e.mu.Unlock()
}

// RegisterNextAction 注册一条触发规则，返回规则 id。
func (e *Engine) RegisterNextAction(trigger Trigger, steps []ActionStep, mode ExecutionMode, priority int) (string, error) {
	switch trigger.Type {
	case TriggerMarginLevel, TriggerLossAmount, TriggerProfitTarget:
	default:
		return "", hedge.NewValidationError("trigger.type", fmt.Sprintf("未知触发类型 %q", trigger.Type))
	}
	switch trigger.Condition {
	case ConditionAbove, ConditionBelow, ConditionEquals:
	default:
		return "", hedge.NewValidationError("trigger.condition", fmt.Sprintf("未知比较方式 %q", trigger.Condition))
	}
	if len(steps) == 0 {
		return "", hedge.NewValidationError("steps", "步骤列表不能为空")
	}
	for i, step := range steps {
		switch step.Type {
		case StepOpenPosition, StepClosePosition:
		default:
			return "", hedge.NewValidationError("steps", fmt.Sprintf("第 %d 步类型未知: %q", i, step.Type))
		}
		if step.Execution.LotSize <= 0 {
			return "", hedge.NewValidationError("steps", fmt.Sprintf("第 %d 步手数必须大于0", i))
		}
	}
	switch mode {
	case ModeSequential, ModeParallel:
	default:
		return "", hedge.NewValidationError("mode", fmt.Sprintf("未知执行方式 %q", mode))
	}

	rule := &Rule{
		ID:       hedge.NewID(),
		Trigger:  trigger,
		Steps:    steps,
		Mode:     mode,
		Priority: priority,
		Active:   true,
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()

	e.logger.Info("触发规则已注册",
		zap.String("rule_id", rule.ID),
		zap.String("trigger", string(trigger.Type)),
		zap.String("mode", string(mode)),
		zap.Int("priority", priority),
	)
	return rule.ID, nil
}

// BindRuleAccount 将规则限定到指定账户。
func (e *Engine) BindRuleAccount(ruleID, accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return hedge.NewValidationError("ruleID", fmt.Sprintf("规则 %s 不存在", ruleID))
	}
	rule.AccountID = accountID
	return nil
}

// RemoveRule 注销规则。
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	delete(e.rules, ruleID)
	e.mu.Unlock()
}

// Rules 返回当前规则的副本。
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckAndExecute 用账户状态评估全部规则，命中规则按优先级从高到低执行，
// 本次调用最多执行到并发上限，多出的命中规则本轮静默跳过（不排队），
// 下一轮调用会重新评估。紧急停止期间为空操作。
func (e *Engine) CheckAndExecute(ctx context.Context, accountID string, state hedge.AccountBalance) []ChainExecutionResult {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}

	matched := make([]*Rule, 0, 4)
	for _, rule := range e.rules {
		if !rule.Active {
			continue
		}
		if rule.AccountID != "" && rule.AccountID != accountID {
			continue
		}
		if rule.Trigger.Matches(state) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	capacity := e.cfg.MaxConcurrentExecutions - e.executing
	if capacity < 0 {
		capacity = 0
	}
	if len(matched) > capacity {
		e.logger.Debug("并发上限已满，跳过低优先级规则",
			zap.Int("matched", len(matched)),
			zap.Int("capacity", capacity),
		)
		matched = matched[:capacity]
	}
	e.executing += len(matched)
	e.mu.Unlock()

	results := make([]ChainExecutionResult, 0, len(matched))
	for _, rule := range matched {
		results = append(results, e.executeChain(ctx, rule, accountID, state))
	}
	return results
}

// ExecuteSteps 不经触发规则直接执行一条临时链，
// 作为再平衡等上层流程的执行基座，同样受紧急停止与并发上限约束。
func (e *Engine) ExecuteSteps(ctx context.Context, accountID string, steps []ActionStep, mode ExecutionMode) (ChainExecutionResult, error) {
	if len(steps) == 0 {
		return ChainExecutionResult{}, hedge.NewValidationError("steps", "步骤列表不能为空")
	}
	for i, step := range steps {
		switch step.Type {
		case StepOpenPosition, StepClosePosition:
		default:
			return ChainExecutionResult{}, hedge.NewValidationError("steps", fmt.Sprintf("第 %d 步类型未知: %q", i, step.Type))
		}
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ChainExecutionResult{}, &hedge.SafetyViolation{
			Check:  "emergency_stop",
			Reason: "紧急停止期间拒绝执行",
			Level:  hedge.SeverityCritical,
		}
	}
	if e.executing >= e.cfg.MaxConcurrentExecutions {
		e.mu.Unlock()
		return ChainExecutionResult{}, fmt.Errorf("chain: 并发执行数已达上限 %d", e.cfg.MaxConcurrentExecutions)
	}
	e.executing++
	e.mu.Unlock()

	rule := &Rule{
		ID:    "adhoc-" + hedge.NewID(),
		Steps: steps,
		Mode:  mode,
	}
	return e.executeChain(ctx, rule, accountID, hedge.AccountBalance{AccountID: accountID}), nil
}

// EmergencyStopAll 设置停止标志并把所有执行中的链立即置为取消。
// 标志清除之前 CheckAndExecute 不会再执行任何规则。
func (e *Engine) EmergencyStopAll() {
	e.mu.Lock()
	e.stopped = true
	for _, run := range e.active {
		run.cancelled = true
		if run.result.Status == hedge.StatusExecuting {
			run.result.Status = hedge.StatusCancelled
		}
		run.cancel()
	}
	count := len(e.active)
	e.mu.Unlock()

	e.logger.Warn("紧急停止已触发", zap.Int("cancelled_chains", count))
}

// ResumeOperations 清除紧急停止标志。
func (e *Engine) ResumeOperations() {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()
	e.logger.Info("紧急停止已解除")
}

// ActiveExecutions 返回执行中链的快照。
func (e *Engine) ActiveExecutions() []ChainExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ChainExecutionResult, 0, len(e.active))
	for _, run := range e.active {
		out = append(out, *run.result)
	}
	return out
}

// ExecutionHistory 返回已终结链的只读副本。
func (e *Engine) ExecutionHistory() []ChainExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ChainExecutionResult, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) executeChain(ctx context.Context, rule *Rule, accountID string, state hedge.AccountBalance) ChainExecutionResult {
	chainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := &ChainExecutionResult{
		ID:        hedge.NewID(),
		RuleID:    rule.ID,
		AccountID: accountID,
		Status:    hedge.StatusExecuting,
		Steps:     make([]ActionExecutionResult, 0, len(rule.Steps)),
		StartedAt: time.Now().UTC(),
	}

	// 注册表持有的是快照，执行流独占本地记录；
	// 紧急停止只改写快照与取消标志，终态由 finalizeChain 统一裁定。
	snapshot := *result
	run := &chainRun{result: &snapshot, cancel: cancel}
	e.mu.Lock()
	e.active[result.ID] = run
	observer := e.observer
	e.mu.Unlock()

	if observer != nil {
		observer.ChainStarted(*result)
	}

	switch rule.Mode {
	case ModeParallel:
		e.runParallel(chainCtx, rule, state, result)
	default:
		e.runSequential(chainCtx, rule, state, result)
	}

	if result.Status == hedge.StatusFailed && e.rollback(ctx, rule, result) {
		result.RolledBack = true
	}

	e.finalizeChain(ctx, result, observer)
	return *result
}

// runSequential 严格按序执行，步骤之间检查紧急停止与取消标志。
func (e *Engine) runSequential(ctx context.Context, rule *Rule, state hedge.AccountBalance, result *ChainExecutionResult) {
	for i, step := range rule.Steps {
		if e.cancelled(ctx, result) {
			result.Steps = append(result.Steps, ActionExecutionResult{
				StepIndex: i,
				Type:      step.Type,
				Status:    hedge.StatusCancelled,
			})
			result.Status = hedge.StatusCancelled
			return
		}

		stepResult := e.runStep(ctx, i, step, state)
		result.Steps = append(result.Steps, stepResult)

		if stepResult.Status == hedge.StatusFailed {
			result.Status = hedge.StatusFailed
			result.Error = stepResult.Error
			return
		}
	}
	result.Status = hedge.StatusCompleted
}

// runParallel 并发派发全部步骤，收齐所有结果之后才定稿，不提前短路。
func (e *Engine) runParallel(ctx context.Context, rule *Rule, state hedge.AccountBalance, result *ChainExecutionResult) {
	stepResults := make([]ActionExecutionResult, len(rule.Steps))

	group := errgroup.Group{}
	for i := range rule.Steps {
		group.Go(func() error {
			stepResults[i] = e.runStep(ctx, i, rule.Steps[i], state)
			return nil
		})
	}
	_ = group.Wait()

	result.Steps = stepResults

	completed := 0
	failed := 0
	for _, sr := range stepResults {
		switch sr.Status {
		case hedge.StatusCompleted:
			completed++
		case hedge.StatusFailed:
			failed++
		}
	}

	switch {
	case failed == 0 && completed == len(stepResults):
		result.Status = hedge.StatusCompleted
	case completed == 0:
		result.Status = hedge.StatusFailed
		result.Error = "所有步骤执行失败"
	default:
		result.Status = hedge.StatusPartiallyCompleted
		result.Error = (&hedge.PartialExecutionError{Succeeded: completed, Failed: failed}).Error()
	}
}

func (e *Engine) runStep(ctx context.Context, index int, step ActionStep, state hedge.AccountBalance) ActionExecutionResult {
	stepResult := ActionExecutionResult{
		StepIndex: index,
		Type:      step.Type,
		Status:    hedge.StatusExecuting,
		StartedAt: time.Now().UTC(),
	}

	if step.Rollback != nil {
		stepResult.Snapshot = &StateSnapshot{
			TakenAt: time.Now().UTC(),
			Account: state,
		}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	action := gateway.ActionEntry
	if step.Type == StepClosePosition {
		action = gateway.ActionClosePosition
	}

	stepResult.CommandID = hedge.NewID()
	res, err := e.gw.Send(cmdCtx, gateway.Command{
		ID:          stepResult.CommandID,
		AccountID:   step.Execution.AccountID,
		Action:      action,
		Symbol:      step.Execution.Symbol,
		Direction:   step.Execution.Direction,
		LotSize:     step.Execution.LotSize,
		OrderType:   step.Execution.OrderType,
		StopLoss:    step.Execution.StopLoss,
		TakeProfit:  step.Execution.TakeProfit,
		MaxSlippage: step.Execution.MaxSlippage,
	})

	stepResult.FinishedAt = time.Now().UTC()
	switch {
	case err != nil:
		stepResult.Status = hedge.StatusFailed
		stepResult.Error = err.Error()
	case !res.Success:
		stepResult.Status = hedge.StatusFailed
		stepResult.Error = res.Error
	default:
		stepResult.Status = hedge.StatusCompleted
	}

	return stepResult
}

// rollback 按原始步骤顺序回放已捕获快照步骤的补偿动作。
func (e *Engine) rollback(ctx context.Context, rule *Rule, result *ChainExecutionResult) bool {
	replayed := false

	for _, sr := range result.Steps {
		if sr.Snapshot == nil || sr.StepIndex >= len(rule.Steps) {
			continue
		}
		step := rule.Steps[sr.StepIndex]
		if step.Rollback == nil {
			continue
		}
		// 未执行到派发的步骤没有需要补偿的副作用。
		if sr.Status != hedge.StatusCompleted && sr.Status != hedge.StatusFailed {
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		rb := *step.Rollback
		_, err := e.gw.Send(cmdCtx, gateway.Command{
			ID:          hedge.NewID(),
			AccountID:   rb.AccountID,
			Action:      gateway.ActionClosePosition,
			Symbol:      rb.Symbol,
			Direction:   rb.Direction,
			LotSize:     rb.LotSize,
			OrderType:   rb.OrderType,
			MaxSlippage: rb.MaxSlippage,
		})
		cancel()

		replayed = true
		if err != nil {
			e.logger.Error("回滚动作执行失败",
				zap.String("chain_id", result.ID),
				zap.Int("step_index", sr.StepIndex),
				zap.Error(err),
			)
		}
	}

	return replayed
}

func (e *Engine) cancelled(ctx context.Context, result *ChainExecutionResult) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.active[result.ID]; ok && run.cancelled {
		return true
	}
	return e.stopped
}

func (e *Engine) finalizeChain(ctx context.Context, result *ChainExecutionResult, observer Observer) {
	result.FinishedAt = time.Now().UTC()

	e.mu.Lock()
	// 紧急停止可能发生在步骤结果覆盖状态之后，以取消标志为准保留取消终态。
	if stored, ok := e.active[result.ID]; ok && stored.cancelled {
		result.Status = hedge.StatusCancelled
	}
	if !result.Status.Terminal() {
		result.Status = hedge.StatusFailed
	}
	delete(e.active, result.ID)
	e.history = append(e.history, *result)
	e.executing--
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordChain(ctx, *result)
	}
	if observer != nil {
		observer.ChainFinished(*result)
	}

	e.logger.Info("动作链已终结",
		zap.String("chain_id", result.ID),
		zap.String("rule_id", result.RuleID),
		zap.String("status", string(result.Status)),
		zap.Bool("rolled_back", result.RolledBack),
	)
}
