package monitor

import (
	"context"
	"testing"
	"time"

	"hedge-engine/internal/config"
	"hedge-engine/internal/executor"
	"hedge-engine/internal/guard"
	"hedge-engine/internal/hedge"
	"hedge-engine/internal/store"
)

func TestService_RecordAndListEvents(t *testing.T) {
	svc := makeService(t)
	ctx := context.Background()

	svc.RecordExecution(ctx, executor.CrossHedgeResult{
		ID:     "exec-1",
		Symbol: "EURUSD",
		Status: hedge.StatusCompleted,
	})
	svc.RecordWarnings(ctx, []guard.Finding{
		{Check: "lot_imbalance", Severity: hedge.SeverityWarning, Message: "test"},
	})

	events, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// 最新事件在前。
	if events[0].Type != EventWarning {
		t.Errorf("expected warning event first, got %s", events[0].Type)
	}
	if events[0].Timestamp.IsZero() {
		t.Errorf("expected parsed timestamp")
	}
}

func TestService_ListEventsFiltersByType(t *testing.T) {
	svc := makeService(t)
	ctx := context.Background()

	svc.RecordExecution(ctx, executor.CrossHedgeResult{ID: "exec-1", Status: hedge.StatusCompleted})
	svc.RecordPosition(ctx, hedge.AccountBalance{AccountID: "acct-1"})

	events, err := svc.ListEvents(ctx, EventExecution, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 execution event, got %d", len(events))
	}
	if events[0].Type != EventExecution {
		t.Errorf("expected execution event, got %s", events[0].Type)
	}
}

func TestService_RecordWarningsSkipsEmpty(t *testing.T) {
	svc := makeService(t)
	ctx := context.Background()

	svc.RecordWarnings(ctx, nil)

	events, err := svc.ListEvents(ctx, EventWarning, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("empty findings must not produce events, got %d", len(events))
	}
}

func makeService(t *testing.T) *Service {
	t.Helper()

	sqliteStore, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:        true,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })

	svc, err := NewService(sqliteStore, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}
