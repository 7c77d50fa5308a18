package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"hedge-engine/internal/balance"
	"hedge-engine/internal/balance/riskmodel"
	"hedge-engine/internal/chain"
	"hedge-engine/internal/config"
	"hedge-engine/internal/executor"
	"hedge-engine/internal/gateway"
	"hedge-engine/internal/guard"
	"hedge-engine/internal/hedge"
	"hedge-engine/internal/monitor"
	"hedge-engine/internal/notify"
	"hedge-engine/internal/rebalance"
	"hedge-engine/internal/store"
)

// StateProvider 提供账户快照与对冲组清单，由外部状态源实现。
type StateProvider interface {
	Accounts(ctx context.Context) ([]hedge.AccountBalance, error)
	HedgePositions(ctx context.Context) ([]hedge.HedgePosition, error)
}

// emptyProvider 在未接入外部状态源时返回空快照。
type emptyProvider struct{}

func (emptyProvider) Accounts(context.Context) ([]hedge.AccountBalance, error) {
	return nil, nil
}

func (emptyProvider) HedgePositions(context.Context) ([]hedge.HedgePosition, error) {
	return nil, nil
}

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	provider StateProvider

	gw         gateway.Gateway
	engine     *balance.Engine
	chains     *chain.Engine
	exec       *executor.Executor
	rebalancer *rebalance.Orchestrator
	guard      *guard.Guard
	monitor    *monitor.Service
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		provider: emptyProvider{},
	}
}

// SetStateProvider 接入外部账户状态源，需在 Run 之前调用。
func (a *App) SetStateProvider(p StateProvider) {
	if p != nil {
		a.provider = p
	}
}

// Run 组装全部组件并驱动主调度循环，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("对冲系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("gateway_mode", a.cfg.Gateway.Mode),
		zap.String("execution_strategy", a.cfg.Execution.Strategy),
	)

	if err := a.assemble(ctx); err != nil {
		return err
	}
	defer a.closeGateway()

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, a.monitor, a.exec, a.rebalancer, a.cfg.Monitor.Port, a.logger); err != nil {
			return fmt.Errorf("app: 启动监控接口失败: %w", err)
		}
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 30 * time.Second
	}
	guardInterval := a.cfg.Scheduler.GuardInterval
	if guardInterval <= 0 {
		guardInterval = time.Minute
	}

	a.tick(ctx)

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	guardTicker := time.NewTicker(guardInterval)
	defer guardTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			a.tick(ctx)
		case <-guardTicker.C:
			a.sweep(ctx)
		}
	}
}

// assemble 按配置组装网关与各引擎。
func (a *App) assemble(ctx context.Context) error {
	gw, err := a.buildGateway(ctx)
	if err != nil {
		return err
	}
	a.gw = gw

	svc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化监控服务失败: %w", err)
	}
	a.monitor = svc

	notifier := notify.NewLogger(a.logger)

	a.engine = balance.NewEngine(riskmodel.NewStatic())
	a.chains = chain.NewEngine(gw, a.cfg.Chain, svc, a.logger)
	a.exec = executor.New(gw, a.cfg.Execution, a.cfg.Gateway.CommandTimeout, svc, a.logger)
	a.rebalancer = rebalance.NewOrchestrator(a.cfg.Rebalance, a.engine, a.chains, svc, a.logger)
	a.guard = guard.New(a.cfg.Guard, notifier, a.logger)
	return nil
}

// buildGateway 根据配置选择下单网关，模拟模式强制使用内存网关。
func (a *App) buildGateway(ctx context.Context) (gateway.Gateway, error) {
	if a.cfg.Execution.Simulation {
		a.logger.Warn("模拟模式已开启，所有指令将由内存网关吞掉")
		return gateway.NewMemory(), nil
	}

	switch a.cfg.Gateway.Mode {
	case "terminal":
		return gateway.NewTerminal(a.cfg.Gateway, a.logger)
	case "exchange":
		return gateway.NewExchange(a.cfg.Gateway.Exchange, a.logger)
	case "memory":
		return gateway.NewMemory(), nil
	default:
		return nil, fmt.Errorf("app: 未知网关模式: %q", a.cfg.Gateway.Mode)
	}
}

func (a *App) closeGateway() {
	if closer, ok := a.gw.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("关闭网关失败", zap.Error(err))
		}
	}
}

// tick 执行一轮主调度：动作链触发检查与再平衡调度。
func (a *App) tick(ctx context.Context) {
	accounts, err := a.provider.Accounts(ctx)
	if err != nil {
		a.logger.Error("获取账户快照失败", zap.Error(err))
		a.monitor.RecordError(ctx, "获取账户快照失败", err, nil)
		return
	}
	positions, err := a.provider.HedgePositions(ctx)
	if err != nil {
		a.logger.Error("获取对冲组清单失败", zap.Error(err))
		a.monitor.RecordError(ctx, "获取对冲组清单失败", err, nil)
		return
	}

	for _, acct := range accounts {
		a.monitor.RecordPosition(ctx, acct)
		results := a.chains.CheckAndExecute(ctx, acct.AccountID, acct)
		for _, res := range results {
			a.logger.Info("触发规则已执行",
				zap.String("rule_id", res.RuleID),
				zap.String("account_id", acct.AccountID),
				zap.String("status", string(res.Status)),
			)
		}
	}

	for _, res := range a.rebalancer.Tick(ctx, positions) {
		a.logger.Info("定时再平衡已调度",
			zap.String("rebalance_id", res.ID),
			zap.String("hedge_id", res.HedgeID),
			zap.String("status", string(res.Status)),
		)
	}

	for _, pos := range positions {
		res, err := a.rebalancer.EvaluatePoll(ctx, pos)
		if err != nil {
			a.logger.Warn("条件再平衡评估失败",
				zap.String("hedge_id", pos.ID),
				zap.Error(err),
			)
			continue
		}
		if res != nil {
			a.logger.Info("条件再平衡已触发",
				zap.String("rebalance_id", res.ID),
				zap.String("hedge_id", res.HedgeID),
				zap.String("status", string(res.Status)),
			)
		}
	}
}

// sweep 执行一轮一致性校验。
func (a *App) sweep(ctx context.Context) {
	accounts, err := a.provider.Accounts(ctx)
	if err != nil {
		a.logger.Error("获取账户快照失败", zap.Error(err))
		return
	}
	positions, err := a.provider.HedgePositions(ctx)
	if err != nil {
		a.logger.Error("获取对冲组清单失败", zap.Error(err))
		return
	}

	findings := a.guard.Check(ctx, positions, accounts, a.exec.ExecutionHistory())
	if len(findings) > 0 {
		a.monitor.RecordWarnings(ctx, findings)
	}
}
