package balance

import (
	"math"
	"testing"

	"hedge-engine/internal/hedge"
)

func TestCalculateBalance_DetectsImbalance(t *testing.T) {
	engine := NewEngine(nil)
	pos := makePosition(2.0, 1.0)
	pos.Settings.MaxImbalance = 0.1

	bal := engine.CalculateBalance(pos)

	if diff := math.Abs(bal.Imbalance - 1.0); diff > 1e-9 {
		t.Errorf("unexpected imbalance: got %f want 1.0", bal.Imbalance)
	}
	if diff := math.Abs(bal.NetExposure - 1.0); diff > 1e-9 {
		t.Errorf("unexpected net exposure: got %f want 1.0", bal.NetExposure)
	}
	if bal.IsBalanced {
		t.Errorf("expected IsBalanced=false when imbalance exceeds max_imbalance")
	}
	if bal.RiskScore < 0 || bal.RiskScore > 100 {
		t.Errorf("risk score out of range: %f", bal.RiskScore)
	}
}

func TestCalculateBalance_BalancedWithinTolerance(t *testing.T) {
	engine := NewEngine(nil)
	pos := makePosition(1.05, 1.0)
	pos.Settings.MaxImbalance = 0.1

	bal := engine.CalculateBalance(pos)
	if !bal.IsBalanced {
		t.Errorf("expected IsBalanced=true for imbalance %f within tolerance", bal.Imbalance)
	}
}

func TestCalculateBalance_ZeroVolumeProducesNoNaN(t *testing.T) {
	engine := NewEngine(nil)
	bal := engine.CalculateBalance(makePosition(0, 0))

	if math.IsNaN(bal.ImbalancePct) || math.IsInf(bal.ImbalancePct, 0) {
		t.Fatalf("imbalance pct must be finite, got %f", bal.ImbalancePct)
	}
	if bal.ImbalancePct != 0 {
		t.Errorf("expected pct=0 for empty position, got %f", bal.ImbalancePct)
	}
}

func TestCalculateRebalanceRequirement_OpensUnderweightSide(t *testing.T) {
	engine := NewEngine(nil)
	pos := makePosition(2.0, 1.0)
	pos.Settings.MaxImbalance = 0.1

	action := engine.CalculateRebalanceRequirement(pos)

	if !action.Required {
		t.Fatalf("expected rebalance required for unbalanced position")
	}
	if len(action.Steps) != 1 {
		t.Fatalf("expected single rebalance step, got %d", len(action.Steps))
	}
	step := action.Steps[0]
	if step.Action != "open" {
		t.Errorf("expected open action, got %s", step.Action)
	}
	if step.PositionType != hedge.DirectionSell {
		t.Errorf("expected sell side, got %s", step.PositionType)
	}
	if diff := math.Abs(step.Lots - 1.0); diff > 1e-9 {
		t.Errorf("expected step lots 1.0, got %f", step.Lots)
	}
}

func TestCalculateRebalanceRequirement_Idempotent(t *testing.T) {
	engine := NewEngine(nil)
	pos := makePosition(3.0, 1.5)
	pos.Settings.MaxImbalance = 0.1

	first := engine.CalculateRebalanceRequirement(pos)
	second := engine.CalculateRebalanceRequirement(pos)

	if first.Required != second.Required || first.Urgency != second.Urgency {
		t.Fatalf("repeated calls diverged: %+v vs %+v", first, second)
	}
	if len(first.Steps) != len(second.Steps) {
		t.Fatalf("step count diverged: %d vs %d", len(first.Steps), len(second.Steps))
	}
	for i := range first.Steps {
		if first.Steps[i] != second.Steps[i] {
			t.Errorf("step %d diverged: %+v vs %+v", i, first.Steps[i], second.Steps[i])
		}
	}
}

func TestCalculateRebalanceRequirement_UrgencyLevels(t *testing.T) {
	engine := NewEngine(nil)

	low := engine.CalculateRebalanceRequirement(makePosition(1.0, 1.0))
	if low.Urgency != hedge.UrgencyLow {
		t.Errorf("expected low urgency for balanced position, got %s", low.Urgency)
	}

	high := engine.CalculateRebalanceRequirement(makePosition(10.0, 1.0))
	if high.Urgency != hedge.UrgencyHigh {
		t.Errorf("expected high urgency for heavy net exposure, got %s", high.Urgency)
	}
}

func TestCalculateOptimalLots_EmptyPositions(t *testing.T) {
	engine := NewEngine(nil)
	_, err := engine.CalculateOptimalLots(nil, OptimalParams{})
	if err == nil {
		t.Fatalf("expected validation error for empty positions")
	}
	if !hedge.IsValidation(err) {
		t.Errorf("expected ValidationError, got %T: %v", err, err)
	}
}

func TestCalculateOptimalLots_HighLiquiditySplitsEvenly(t *testing.T) {
	engine := NewEngine(nil)
	positions := []hedge.HedgePosition{makePosition(3.0, 1.0)}

	result, err := engine.CalculateOptimalLots(positions, OptimalParams{LiquidityPreference: 0.8})
	if err != nil {
		t.Fatalf("CalculateOptimalLots returned error: %v", err)
	}
	if diff := math.Abs(result.BuyLots - result.SellLots); diff > 1e-9 {
		t.Errorf("expected symmetric allocation, got buy=%f sell=%f", result.BuyLots, result.SellLots)
	}
	if diff := math.Abs(result.BuyLots + result.SellLots - 4.0); diff > 1e-9 {
		t.Errorf("allocation must preserve total volume, got %f", result.BuyLots+result.SellLots)
	}
}

func TestCalculateOptimalLots_ShareStaysClamped(t *testing.T) {
	engine := NewEngine(nil)
	positions := []hedge.HedgePosition{makePosition(5.0, 5.0)}

	result, err := engine.CalculateOptimalLots(positions, OptimalParams{RiskTolerance: 1.0})
	if err != nil {
		t.Fatalf("CalculateOptimalLots returned error: %v", err)
	}
	total := result.BuyLots + result.SellLots
	share := result.BuyLots / total
	if share < 0.3 || share > 0.7 {
		t.Errorf("buy share escaped clamp: %f", share)
	}
}

func TestCalculateRiskMetrics_AllComponentsBounded(t *testing.T) {
	engine := NewEngine(nil)
	pos := makePosition(20.0, 0.0)
	pos.TotalProfit = -50000

	m := engine.CalculateRiskMetrics(pos)
	for name, v := range map[string]float64{
		"exposure":    m.ExposureRisk,
		"liquidity":   m.LiquidityRisk,
		"correlation": m.CorrelationRisk,
		"margin":      m.MarginRisk,
		"drawdown":    m.DrawdownRisk,
		"overall":     m.Overall,
	} {
		if v < 0 || v > 100 {
			t.Errorf("%s risk out of [0,100]: %f", name, v)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s risk must be finite: %f", name, v)
		}
	}
}

func TestCalculateRiskMetrics_MultiAccountReducesMarginConcentration(t *testing.T) {
	engine := NewEngine(nil)

	single := makePosition(4.0, 4.0)
	single.AccountIDs = []string{"acct-1"}
	multi := makePosition(4.0, 4.0)
	multi.AccountIDs = []string{"acct-1", "acct-2", "acct-3"}

	if sm, mm := engine.CalculateRiskMetrics(single).MarginRisk, engine.CalculateRiskMetrics(multi).MarginRisk; mm >= sm {
		t.Errorf("expected multi-account margin risk below single-account: single=%f multi=%f", sm, mm)
	}
}

func TestCalculateRiskMetrics_ZeroVolume(t *testing.T) {
	engine := NewEngine(nil)
	pos := makePosition(0, 0)
	pos.TotalProfit = -100

	m := engine.CalculateRiskMetrics(pos)
	if m.DrawdownRisk != 0 {
		t.Errorf("expected zero drawdown risk without volume, got %f", m.DrawdownRisk)
	}
}

func TestValidateCalculation_Warnings(t *testing.T) {
	engine := NewEngine(nil)

	neg := makePosition(-1.0, 1.0)
	warnings := engine.ValidateCalculation(neg)
	if !containsSeverity(warnings, hedge.SeverityError) {
		t.Errorf("expected error severity warning for negative lots, got %+v", warnings)
	}

	empty := makePosition(1.0, 1.0)
	empty.PositionIDs = nil
	warnings = engine.ValidateCalculation(empty)
	if !containsSeverity(warnings, hedge.SeverityWarning) {
		t.Errorf("expected warning for empty position set, got %+v", warnings)
	}

	clean := makePosition(1.0, 1.0)
	if warnings = engine.ValidateCalculation(clean); len(warnings) != 0 {
		t.Errorf("expected no warnings for healthy position, got %+v", warnings)
	}
}

func makePosition(buy, sell float64) hedge.HedgePosition {
	return hedge.HedgePosition{
		ID:          "hedge-1",
		PositionIDs: []string{"pos-1", "pos-2"},
		Symbol:      "EURUSD",
		Type:        hedge.HedgeTypePerfect,
		AccountIDs:  []string{"acct-1"},
		TotalLots:   hedge.LotTotals{Buy: buy, Sell: sell},
		Settings: hedge.HedgeSettings{
			MaxImbalance: 0.1,
		},
	}
}

func containsSeverity(warnings []Warning, severity hedge.Severity) bool {
	for _, w := range warnings {
		if w.Severity == severity {
			return true
		}
	}
	return false
}
