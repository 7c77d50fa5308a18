package guard

import (
	"context"
	"testing"
	"time"

	"hedge-engine/internal/config"
	"hedge-engine/internal/executor"
	"hedge-engine/internal/hedge"
	"hedge-engine/internal/notify"
)

func TestCheck_CleanStateProducesNoFindings(t *testing.T) {
	g := New(makeGuardConfig(), nil, nil)

	findings := g.Check(context.Background(), makePositions(), makeAccounts(), nil)
	if len(findings) != 0 {
		t.Errorf("expected no findings for consistent state, got %+v", findings)
	}
}

func TestCheck_OrphanedAccountPosition(t *testing.T) {
	g := New(makeGuardConfig(), nil, nil)

	accounts := makeAccounts()
	accounts[0].Positions = append(accounts[0].Positions, hedge.PositionDetail{
		ID: "pos-stray", Symbol: "EURUSD", Direction: hedge.DirectionBuy, Lots: 0.5,
	})

	findings := g.Check(context.Background(), makePositions(), accounts, nil)
	if !hasCheck(findings, "orphaned_position") {
		t.Errorf("expected orphaned_position finding, got %+v", findings)
	}
}

func TestCheck_DanglingHedgeReference(t *testing.T) {
	g := New(makeGuardConfig(), nil, nil)

	positions := makePositions()
	positions[0].PositionIDs = append(positions[0].PositionIDs, "pos-missing")

	findings := g.Check(context.Background(), positions, makeAccounts(), nil)
	if !hasCheck(findings, "orphaned_position") {
		t.Errorf("expected orphaned_position finding for dangling reference, got %+v", findings)
	}
	if !hasSeverity(findings, hedge.SeverityError) {
		t.Errorf("dangling reference must be error severity, got %+v", findings)
	}
}

func TestCheck_AccountMismatch(t *testing.T) {
	g := New(makeGuardConfig(), nil, nil)

	positions := makePositions()
	positions[0].AccountIDs = append(positions[0].AccountIDs, "acct-gone")

	findings := g.Check(context.Background(), positions, makeAccounts(), nil)
	if !hasCheck(findings, "account_mismatch") {
		t.Errorf("expected account_mismatch finding, got %+v", findings)
	}
}

func TestCheck_ExcessiveSkew(t *testing.T) {
	g := New(makeGuardConfig(), nil, nil)

	executions := []executor.CrossHedgeResult{
		{ID: "exec-1", MaxSkew: 500 * time.Millisecond},
		{ID: "exec-2", MaxSkew: 5 * time.Second},
	}

	findings := g.Check(context.Background(), makePositions(), makeAccounts(), executions)
	count := 0
	for _, f := range findings {
		if f.Check == "timing_skew" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one skew finding, got %d (%+v)", count, findings)
	}
}

func TestCheck_LotImbalance(t *testing.T) {
	g := New(makeGuardConfig(), nil, nil)

	positions := makePositions()
	positions[0].TotalLots = hedge.LotTotals{Buy: 3.0, Sell: 1.0}

	findings := g.Check(context.Background(), positions, makeAccounts(), nil)
	if !hasCheck(findings, "lot_imbalance") {
		t.Errorf("expected lot_imbalance finding, got %+v", findings)
	}
}

func TestCheck_NotifiesFindings(t *testing.T) {
	notifier := &captureNotifier{}
	g := New(makeGuardConfig(), notifier, nil)

	positions := makePositions()
	positions[0].TotalLots = hedge.LotTotals{Buy: 3.0, Sell: 1.0}

	findings := g.Check(context.Background(), positions, makeAccounts(), nil)
	if len(notifier.alerts) != len(findings) {
		t.Errorf("expected %d alerts, got %d", len(findings), len(notifier.alerts))
	}
}

func makeGuardConfig() config.GuardConfig {
	return config.GuardConfig{
		MaxSkewWarning:  2 * time.Second,
		MaxLotImbalance: 0.1,
	}
}

func makePositions() []hedge.HedgePosition {
	return []hedge.HedgePosition{
		{
			ID:          "hedge-1",
			PositionIDs: []string{"pos-1", "pos-2"},
			Symbol:      "EURUSD",
			Type:        hedge.HedgeTypePerfect,
			AccountIDs:  []string{"acct-1"},
			TotalLots:   hedge.LotTotals{Buy: 1.0, Sell: 1.0},
			Settings:    hedge.HedgeSettings{MaxImbalance: 0.1},
		},
	}
}

func makeAccounts() []hedge.AccountBalance {
	return []hedge.AccountBalance{
		{
			AccountID:   "acct-1",
			TotalEquity: 100000,
			Positions: []hedge.PositionDetail{
				{ID: "pos-1", Symbol: "EURUSD", Direction: hedge.DirectionBuy, Lots: 1.0},
				{ID: "pos-2", Symbol: "EURUSD", Direction: hedge.DirectionSell, Lots: 1.0},
			},
		},
	}
}

func hasCheck(findings []Finding, check string) bool {
	for _, f := range findings {
		if f.Check == check {
			return true
		}
	}
	return false
}

func hasSeverity(findings []Finding, severity hedge.Severity) bool {
	for _, f := range findings {
		if f.Severity == severity {
			return true
		}
	}
	return false
}

type captureNotifier struct {
	alerts []notify.Alert
}

func (c *captureNotifier) Notify(ctx context.Context, alert notify.Alert) {
	c.alerts = append(c.alerts, alert)
}
