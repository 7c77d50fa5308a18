package chain

import (
	"context"
	"strings"
	"testing"
	"time"

	"hedge-engine/internal/config"
	"hedge-engine/internal/gateway"
	"hedge-engine/internal/hedge"
)

func TestTriggerMatches(t *testing.T) {
	state := hedge.AccountBalance{
		AccountID:   "acct-1",
		MarginLevel: 150,
		Positions: []hedge.PositionDetail{
			{ID: "pos-1", Profit: -300},
			{ID: "pos-2", Profit: 100},
		},
	}

	cases := []struct {
		name    string
		trigger Trigger
		want    bool
	}{
		{"margin below", Trigger{Type: TriggerMarginLevel, Condition: ConditionBelow, Threshold: 200}, true},
		{"margin above", Trigger{Type: TriggerMarginLevel, Condition: ConditionAbove, Threshold: 200}, false},
		{"loss above", Trigger{Type: TriggerLossAmount, Condition: ConditionAbove, Threshold: 100}, true},
		{"profit target not reached", Trigger{Type: TriggerProfitTarget, Condition: ConditionAbove, Threshold: 0}, false},
		{"margin equals within epsilon", Trigger{Type: TriggerMarginLevel, Condition: ConditionEquals, Threshold: 150.005}, true},
		{"margin equals outside epsilon", Trigger{Type: TriggerMarginLevel, Condition: ConditionEquals, Threshold: 150.5}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.trigger.Matches(state); got != tc.want {
				t.Errorf("Matches()=%v want %v", got, tc.want)
			}
		})
	}
}

func TestRegisterNextAction_Validation(t *testing.T) {
	engine := NewEngine(gateway.NewMemory(), makeChainConfig(), nil, nil)
	validTrigger := Trigger{Type: TriggerMarginLevel, Condition: ConditionBelow, Threshold: 100}
	validSteps := []ActionStep{makeStep("acct-1", hedge.DirectionBuy)}

	if _, err := engine.RegisterNextAction(Trigger{Type: "unknown", Condition: ConditionBelow}, validSteps, ModeSequential, 0); !hedge.IsValidation(err) {
		t.Errorf("expected validation error for unknown trigger type, got %v", err)
	}
	if _, err := engine.RegisterNextAction(validTrigger, nil, ModeSequential, 0); !hedge.IsValidation(err) {
		t.Errorf("expected validation error for empty steps, got %v", err)
	}
	if _, err := engine.RegisterNextAction(validTrigger, validSteps, "mixed", 0); !hedge.IsValidation(err) {
		t.Errorf("expected validation error for unknown mode, got %v", err)
	}

	id, err := engine.RegisterNextAction(validTrigger, validSteps, ModeSequential, 1)
	if err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}
	if id == "" {
		t.Errorf("expected non-empty rule id")
	}
}

func TestCheckAndExecute_FiresMatchingRule(t *testing.T) {
	gw := gateway.NewMemory()
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	trigger := Trigger{Type: TriggerMarginLevel, Condition: ConditionBelow, Threshold: 200}
	steps := []ActionStep{makeStep("acct-1", hedge.DirectionSell)}
	if _, err := engine.RegisterNextAction(trigger, steps, ModeSequential, 1); err != nil {
		t.Fatalf("RegisterNextAction failed: %v", err)
	}

	results := engine.CheckAndExecute(context.Background(), "acct-1", hedge.AccountBalance{AccountID: "acct-1", MarginLevel: 150})
	if len(results) != 1 {
		t.Fatalf("expected 1 chain execution, got %d", len(results))
	}
	if results[0].Status != hedge.StatusCompleted {
		t.Errorf("expected completed chain, got %s", results[0].Status)
	}
	if len(gw.Sent()) != 1 {
		t.Errorf("expected 1 dispatched command, got %d", len(gw.Sent()))
	}

	// 未命中阈值时不应执行。
	gw.Reset()
	results = engine.CheckAndExecute(context.Background(), "acct-1", hedge.AccountBalance{AccountID: "acct-1", MarginLevel: 500})
	if len(results) != 0 {
		t.Errorf("expected no execution above threshold, got %d", len(results))
	}
}

func TestCheckAndExecute_AccountScoping(t *testing.T) {
	gw := gateway.NewMemory()
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	trigger := Trigger{Type: TriggerMarginLevel, Condition: ConditionBelow, Threshold: 200}
	id, err := engine.RegisterNextAction(trigger, []ActionStep{makeStep("acct-1", hedge.DirectionSell)}, ModeSequential, 1)
	if err != nil {
		t.Fatalf("RegisterNextAction failed: %v", err)
	}
	if err := engine.BindRuleAccount(id, "acct-1"); err != nil {
		t.Fatalf("BindRuleAccount failed: %v", err)
	}

	state := hedge.AccountBalance{MarginLevel: 150}
	if results := engine.CheckAndExecute(context.Background(), "acct-2", state); len(results) != 0 {
		t.Errorf("scoped rule must not fire for other accounts, got %d executions", len(results))
	}
	if results := engine.CheckAndExecute(context.Background(), "acct-1", state); len(results) != 1 {
		t.Errorf("scoped rule must fire for bound account, got %d executions", len(results))
	}
}

func TestCheckAndExecute_ConcurrencyCapSkipsLowPriority(t *testing.T) {
	gw := gateway.NewMemory()
	cfg := makeChainConfig()
	cfg.MaxConcurrentExecutions = 1
	engine := NewEngine(gw, cfg, nil, nil)

	trigger := Trigger{Type: TriggerMarginLevel, Condition: ConditionBelow, Threshold: 200}
	if _, err := engine.RegisterNextAction(trigger, []ActionStep{makeStep("acct-1", hedge.DirectionSell)}, ModeSequential, 1); err != nil {
		t.Fatalf("RegisterNextAction failed: %v", err)
	}
	highID, err := engine.RegisterNextAction(trigger, []ActionStep{makeStep("acct-1", hedge.DirectionBuy)}, ModeSequential, 9)
	if err != nil {
		t.Fatalf("RegisterNextAction failed: %v", err)
	}

	results := engine.CheckAndExecute(context.Background(), "acct-1", hedge.AccountBalance{AccountID: "acct-1", MarginLevel: 100})
	if len(results) != 1 {
		t.Fatalf("expected cap to allow a single execution, got %d", len(results))
	}
	if results[0].RuleID != highID {
		t.Errorf("expected high priority rule to win, got rule %s", results[0].RuleID)
	}
}

func TestSequentialChain_StopsOnFailure(t *testing.T) {
	gw := gateway.NewMemory()
	gw.FailAccount("acct-1", "not enough money")
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	steps := []ActionStep{
		makeStep("acct-1", hedge.DirectionBuy),
		makeStep("acct-2", hedge.DirectionSell),
	}
	result, err := engine.ExecuteSteps(context.Background(), "acct-1", steps, ModeSequential)
	if err != nil {
		t.Fatalf("ExecuteSteps returned error: %v", err)
	}

	if result.Status != hedge.StatusFailed {
		t.Fatalf("expected failed chain, got %s", result.Status)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("sequential chain must stop at first failure, executed %d steps", len(result.Steps))
	}
	if len(gw.Sent()) != 1 {
		t.Errorf("expected 1 dispatched command, got %d", len(gw.Sent()))
	}
}

func TestParallelChain_WaitsForAllSteps(t *testing.T) {
	gw := gateway.NewMemory()
	gw.FailAccount("acct-2", "off quotes")
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	steps := []ActionStep{
		makeStep("acct-1", hedge.DirectionBuy),
		makeStep("acct-2", hedge.DirectionSell),
	}
	result, err := engine.ExecuteSteps(context.Background(), "acct-1", steps, ModeParallel)
	if err != nil {
		t.Fatalf("ExecuteSteps returned error: %v", err)
	}

	if result.Status != hedge.StatusPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", result.Status)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("parallel chain must report all steps, got %d", len(result.Steps))
	}
	if len(gw.Sent()) != 2 {
		t.Errorf("expected both commands dispatched, got %d", len(gw.Sent()))
	}
}

func TestSequentialChain_RollbackReplaysCompletedSteps(t *testing.T) {
	gw := gateway.NewMemory()
	gw.FailAccount("acct-2", "off quotes")
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	first := makeStep("acct-1", hedge.DirectionBuy)
	rollback := first.Execution
	rollback.Direction = rollback.Direction.Opposite()
	first.Rollback = &rollback

	steps := []ActionStep{first, makeStep("acct-2", hedge.DirectionSell)}
	result, err := engine.ExecuteSteps(context.Background(), "acct-1", steps, ModeSequential)
	if err != nil {
		t.Fatalf("ExecuteSteps returned error: %v", err)
	}

	if result.Status != hedge.StatusFailed {
		t.Fatalf("expected failed chain, got %s", result.Status)
	}
	if !result.RolledBack {
		t.Fatalf("expected rollback replay after failure")
	}

	sent := gw.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected step+step+rollback commands, got %d", len(sent))
	}
	last := sent[len(sent)-1]
	if last.Action != gateway.ActionClosePosition {
		t.Errorf("rollback must close the position, got action %s", last.Action)
	}
	if last.AccountID != "acct-1" {
		t.Errorf("rollback must target the completed step account, got %s", last.AccountID)
	}
}

func TestRunStep_TimeoutFailsChain(t *testing.T) {
	gw := gateway.NewMemory()
	gw.HangAccount("acct-1")
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	step := makeStep("acct-1", hedge.DirectionBuy)
	step.Timeout = 20 * time.Millisecond

	result, err := engine.ExecuteSteps(context.Background(), "acct-1", []ActionStep{step}, ModeSequential)
	if err != nil {
		t.Fatalf("ExecuteSteps returned error: %v", err)
	}
	if result.Status != hedge.StatusFailed {
		t.Fatalf("expected failed chain on step timeout, got %s", result.Status)
	}
	if result.Steps[0].Error == "" {
		t.Errorf("expected timeout error recorded on step")
	}
}

func TestEmergencyStop_BlocksAndResumes(t *testing.T) {
	gw := gateway.NewMemory()
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	trigger := Trigger{Type: TriggerMarginLevel, Condition: ConditionBelow, Threshold: 200}
	if _, err := engine.RegisterNextAction(trigger, []ActionStep{makeStep("acct-1", hedge.DirectionSell)}, ModeSequential, 1); err != nil {
		t.Fatalf("RegisterNextAction failed: %v", err)
	}
	state := hedge.AccountBalance{AccountID: "acct-1", MarginLevel: 100}

	engine.EmergencyStopAll()

	if results := engine.CheckAndExecute(context.Background(), "acct-1", state); len(results) != 0 {
		t.Errorf("stopped engine must not execute rules, got %d", len(results))
	}
	if _, err := engine.ExecuteSteps(context.Background(), "acct-1", []ActionStep{makeStep("acct-1", hedge.DirectionBuy)}, ModeSequential); !hedge.IsSafetyViolation(err) {
		t.Errorf("expected safety violation during emergency stop, got %v", err)
	}

	engine.ResumeOperations()

	if results := engine.CheckAndExecute(context.Background(), "acct-1", state); len(results) != 1 {
		t.Errorf("resumed engine must execute rules again, got %d", len(results))
	}
}

func TestEmergencyStopAll_CancelsExecutingChain(t *testing.T) {
	gw := gateway.NewMemory()
	gw.HangAccount("acct-1")
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	type outcome struct {
		result ChainExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := engine.ExecuteSteps(context.Background(), "acct-1", []ActionStep{makeStep("acct-1", hedge.DirectionBuy)}, ModeSequential)
		done <- outcome{result, err}
	}()

	// 等待链挂在网关上，期间活跃快照必须可并发读取。
	deadline := time.Now().Add(time.Second)
	for len(engine.ActiveExecutions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("chain never became active")
		}
		time.Sleep(time.Millisecond)
	}
	if snap := engine.ActiveExecutions(); snap[0].Status != hedge.StatusExecuting {
		t.Errorf("expected executing snapshot while leg is in flight, got %s", snap[0].Status)
	}

	engine.EmergencyStopAll()

	out := <-done
	if out.err != nil {
		t.Fatalf("ExecuteSteps returned error: %v", out.err)
	}
	if out.result.Status != hedge.StatusCancelled {
		t.Fatalf("expected cancelled terminal status, got %s", out.result.Status)
	}
	if len(engine.ActiveExecutions()) != 0 {
		t.Errorf("active registry must be empty after finalization")
	}
	history := engine.ExecutionHistory()
	if len(history) != 1 || history[0].Status != hedge.StatusCancelled {
		t.Errorf("history must record the cancelled chain")
	}
}

func TestExecuteSteps_AdhocChain(t *testing.T) {
	gw := gateway.NewMemory()
	engine := NewEngine(gw, makeChainConfig(), nil, nil)

	result, err := engine.ExecuteSteps(context.Background(), "acct-1", []ActionStep{makeStep("acct-1", hedge.DirectionBuy)}, ModeSequential)
	if err != nil {
		t.Fatalf("ExecuteSteps returned error: %v", err)
	}
	if result.Status != hedge.StatusCompleted {
		t.Errorf("expected completed ad-hoc chain, got %s", result.Status)
	}
	if !strings.HasPrefix(result.RuleID, "adhoc-") {
		t.Errorf("ad-hoc chain must carry synthetic rule id, got %s", result.RuleID)
	}
	if len(engine.ExecutionHistory()) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(engine.ExecutionHistory()))
	}
}

func makeChainConfig() config.ChainConfig {
	return config.ChainConfig{
		MaxConcurrentExecutions: 3,
		StepTimeout:             time.Second,
	}
}

func makeStep(accountID string, direction hedge.Direction) ActionStep {
	return ActionStep{
		Type: StepOpenPosition,
		Execution: hedge.AccountExecution{
			AccountID: accountID,
			Symbol:    "EURUSD",
			Direction: direction,
			LotSize:   1.0,
			OrderType: hedge.OrderTypeMarket,
		},
	}
}
