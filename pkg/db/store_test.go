package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Store()
}

func ptr(v float64) *float64 { return &v }

func samplePosition(symbol, side string) *Position {
	now := time.Now()
	return &Position{
		Symbol:       symbol,
		Side:         side,
		Quantity:     0.1,
		EntryPrice:   50000,
		CurrentPrice: 50000,
		StopLoss:     ptr(48000),
		Leverage:     1,
		MarginUsed:   5000,
		StrategyID:   "trend-1",
		OpenedAt:     now,
		UpdatedAt:    now,
	}
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertPosition(ctx, samplePosition("BTCUSDT", "LONG"))
	if err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}

	t.Run("get", func(t *testing.T) {
		p, err := s.GetPosition(ctx, id)
		if err != nil {
			t.Fatalf("GetPosition: %v", err)
		}
		if p.Status != StatusOpen || p.StopLoss == nil || *p.StopLoss != 48000 || p.TakeProfit != nil {
			t.Errorf("unexpected position: %+v", p)
		}
		if _, err := s.GetPosition(ctx, id+100); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("marks", func(t *testing.T) {
		err := s.UpdatePositionMarks(ctx, []Mark{{PositionID: id, Price: 49000, UnrealizedPnL: -100, At: time.Now()}})
		if err != nil {
			t.Fatalf("UpdatePositionMarks: %v", err)
		}
		p, _ := s.GetPosition(ctx, id)
		if p.CurrentPrice != 49000 || p.UnrealizedPnL != -100 {
			t.Errorf("mark not applied: %+v", p)
		}
	})

	t.Run("protection", func(t *testing.T) {
		if err := s.UpdateProtection(ctx, id, nil, ptr(55000), time.Now()); err != nil {
			t.Fatalf("UpdateProtection: %v", err)
		}
		p, _ := s.GetPosition(ctx, id)
		if p.StopLoss != nil || p.TakeProfit == nil || *p.TakeProfit != 55000 {
			t.Errorf("protection not applied: %+v", p)
		}
	})

	t.Run("close twice", func(t *testing.T) {
		req := CloseRequest{PositionID: id, ClosePrice: 48000, RealizedPnL: -200, Reason: "STOP_LOSS", At: time.Now()}
		if err := s.ClosePosition(ctx, req); err != nil {
			t.Fatalf("ClosePosition: %v", err)
		}
		if err := s.ClosePosition(ctx, req); !errors.Is(err, ErrAlreadyClosed) {
			t.Fatalf("second close: expected ErrAlreadyClosed, got %v", err)
		}

		p, _ := s.GetPosition(ctx, id)
		if p.Status != StatusClosed || p.RealizedPnL != -200 || p.CloseReason != "STOP_LOSS" || p.ClosedAt.IsZero() {
			t.Errorf("unexpected closed position: %+v", p)
		}

		trades, err := s.ListTrades(ctx, id)
		if err != nil {
			t.Fatalf("ListTrades: %v", err)
		}
		if len(trades) != 2 || trades[0].TransactionType != TxOpen || trades[1].TransactionType != TxClose {
			t.Fatalf("unexpected trades: %+v", trades)
		}
	})

	t.Run("closed is immutable", func(t *testing.T) {
		_ = s.UpdatePositionMarks(ctx, []Mark{{PositionID: id, Price: 1, UnrealizedPnL: 1, At: time.Now()}})
		p, _ := s.GetPosition(ctx, id)
		if p.CurrentPrice != 48000 {
			t.Errorf("closed position was re-marked: %+v", p)
		}
		if err := s.UpdateProtection(ctx, id, ptr(1), nil, time.Now()); !errors.Is(err, ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed, got %v", err)
		}
	})

	t.Run("close unknown", func(t *testing.T) {
		err := s.ClosePosition(ctx, CloseRequest{PositionID: 9999, At: time.Now()})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListPositionsAndRealized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	btc, _ := s.InsertPosition(ctx, samplePosition("BTCUSDT", "LONG"))
	_, _ = s.InsertPosition(ctx, samplePosition("ETHUSDT", "SHORT"))
	_, _ = s.InsertPosition(ctx, samplePosition("BTCUSDT", "SHORT"))

	open, err := s.ListPositions(ctx, StatusOpen, "")
	if err != nil || len(open) != 3 {
		t.Fatalf("ListPositions open = %d, %v", len(open), err)
	}
	btcOpen, _ := s.ListPositions(ctx, StatusOpen, "btcusdt")
	if len(btcOpen) != 2 {
		t.Fatalf("BTC open = %d", len(btcOpen))
	}

	now := time.Now()
	if err := s.ClosePosition(ctx, CloseRequest{PositionID: btc, ClosePrice: 52000, RealizedPnL: 200, Reason: "MANUAL", At: now}); err != nil {
		t.Fatal(err)
	}

	total, count, err := s.RealizedSince(ctx, StartOfDay(now))
	if err != nil || total != 200 || count != 1 {
		t.Fatalf("RealizedSince = %v, %d, %v", total, count, err)
	}
	later, count, _ := s.RealizedSince(ctx, now.Add(time.Minute))
	if later != 0 || count != 0 {
		t.Errorf("RealizedSince(future) = %v, %d", later, count)
	}

	closed, err := s.ListClosedSince(ctx, now.Add(-time.Hour))
	if err != nil || len(closed) != 1 || closed[0].ID != btc {
		t.Fatalf("ListClosedSince = %+v, %v", closed, err)
	}
}

func TestOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	o := &Order{
		ExchangeOrderID: "1001",
		ClientOrderID:   "cid-1",
		Symbol:          "BTCUSDT",
		Kind:            "LIMIT",
		Side:            "BUY",
		Quantity:        0.1,
		Price:           ptr(49000),
		Status:          "NEW",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if _, err := s.InsertOrder(ctx, &Order{ExchangeOrderID: "1001", Symbol: "BTCUSDT", Kind: "LIMIT", Side: "BUY", Status: "NEW"}); err == nil {
		t.Error("expected unique violation for duplicate exchange order id")
	}

	pending, err := s.ListOrdersByStatus(ctx, "NEW", "PARTIAL")
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListOrdersByStatus = %d, %v", len(pending), err)
	}

	if err := s.UpdateOrderStatus(ctx, "btcusdt", "1001", "FILLED", 0.1, 49000, now); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if err := s.UpdateOrderStatus(ctx, "BTCUSDT", "nope", "FILLED", 0, 0, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.LinkOrderPosition(ctx, o.ID, 7); err != nil {
		t.Fatalf("LinkOrderPosition: %v", err)
	}

	got, err := s.GetOrder(ctx, "BTCUSDT", "1001")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != "FILLED" || got.AvgPrice != 49000 || got.PositionID != 7 || got.StopPrice != nil {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestBalancesAndDailyPnL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.UpsertBalance(ctx, Balance{Asset: "USDT", Free: 900, Locked: 100, Total: 1000, UpdatedAt: now})
	_ = s.UpsertBalance(ctx, Balance{Asset: "USDT", Free: 950, Locked: 50, Total: 1000, UpdatedAt: now})
	_ = s.UpsertBalance(ctx, Balance{Asset: "BTC", Free: 1, Total: 1, UpdatedAt: now})

	balances, err := s.ListBalances(ctx)
	if err != nil || len(balances) != 2 {
		t.Fatalf("ListBalances = %+v, %v", balances, err)
	}
	if balances[1].Asset != "USDT" || balances[1].Free != 950 {
		t.Errorf("USDT row not refreshed: %+v", balances[1])
	}

	day := DayKey(now)
	if _, err := s.GetDailyPnL(ctx, day); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.UpsertDailyPnL(ctx, DailyPnL{Date: day, RealizedPnL: 10, OpenPositions: 1, UpdatedAt: now})
	_ = s.UpsertDailyPnL(ctx, DailyPnL{Date: day, RealizedPnL: 25, UnrealizedPnL: -5, OpenPositions: 2, UpdatedAt: now})
	p, err := s.GetDailyPnL(ctx, day)
	if err != nil || p.RealizedPnL != 25 || p.OpenPositions != 2 || p.UnrealizedPnL != -5 {
		t.Fatalf("GetDailyPnL = %+v, %v", p, err)
	}
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(database); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	ok, err := columnExists(database.DB, "positions", "close_reason")
	if err != nil || !ok {
		t.Fatalf("close_reason column missing: %v", err)
	}
}
