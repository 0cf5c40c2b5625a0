package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trade-sentinel/internal/balance"
	"trade-sentinel/internal/events"
	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/order"
	"trade-sentinel/internal/risk"
	"trade-sentinel/internal/trigger"
	"trade-sentinel/pkg/db"
	"trade-sentinel/pkg/exchanges/paper"
	"trade-sentinel/pkg/retry"
)

type harness struct {
	coord  *Coordinator
	ex     *paper.Exchange
	ledger *ledger.Ledger
	mon    *trigger.Monitor
	bus    *events.Bus
}

func newHarness(t *testing.T, autoExecute bool) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := database.Store()

	ex := paper.New(paper.Config{Balance: 10000})
	ex.SetPrice("BTCUSDT", 50000)
	bus := events.NewBus()
	exec := order.NewExecutor(store, ex, bus, order.Config{
		Timeout: time.Second,
		Retry:   retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	led := ledger.New(store, bus, "USDT")
	mon := trigger.NewMonitor(trigger.Config{
		ReconcileInterval: time.Hour,
		ErrorBackoff:      10 * time.Millisecond,
		StopTimeout:       time.Second,
		IngestBuffer:      16,
		CloseWorkers:      2,
	}, ex, led, nil, bus)
	t.Cleanup(mon.Stop)

	coord := New(Config{
		Executor:    exec,
		Ledger:      led,
		Monitor:     mon,
		Risk:        risk.NewManager(risk.DefaultLimits(), led),
		Balances:    balance.NewManager(exec, "USDT", time.Minute),
		Bus:         bus,
		AutoExecute: autoExecute,
	})
	return &harness{coord: coord, ex: ex, ledger: led, mon: mon, bus: bus}
}

func ptr(v float64) *float64 { return &v }

func longWithStop() Decision {
	return Decision{
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		EntryPrice: 50000,
		StopLoss:   ptr(48000),
		RiskPct:    2,
		Leverage:   10,
		StrategyID: "breakout",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestExecuteDecisionOpensProtectedPosition(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	res := h.coord.ExecuteDecision(ctx, longWithStop())
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.Sizing == nil || res.Sizing.RiskAmount != 200 || res.Sizing.Quantity != 0.1 {
		t.Fatalf("unexpected sizing %+v", res.Sizing)
	}
	if res.Order == nil || res.Order.PositionID != res.PositionID {
		t.Fatalf("order not linked: %+v", res.Order)
	}

	p, err := h.ledger.Get(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Quantity != 0.1 || p.Side != string(ledger.SideLong) || p.EntryPrice != 50000 {
		t.Fatalf("unexpected position %+v", p)
	}

	entries := h.coord.Triggers()
	if len(entries) != 1 {
		t.Fatalf("triggers = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.StopLoss == nil || e.StopLoss.Threshold != 48000 || e.TakeProfit != nil {
		t.Fatalf("unexpected triggers %+v", e)
	}
	if !h.mon.Running() {
		t.Fatal("monitor should run after a protected entry")
	}
}

func TestExecuteDecisionSimulated(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	res := h.coord.ExecuteDecision(ctx, longWithStop())
	if res.Status != StatusSimulated {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.Sizing == nil || res.Sizing.Quantity != 0.1 {
		t.Fatalf("simulation should carry sizing: %+v", res.Sizing)
	}
	if n := h.ex.Calls("place_order"); n != 0 {
		t.Fatalf("place_order calls = %d, want 0", n)
	}
	open, _ := h.ledger.ListOpen(ctx, "")
	if len(open) != 0 {
		t.Fatalf("open positions = %d, want 0", len(open))
	}
}

func TestExecuteDecisionNeutralHasNoSideEffects(t *testing.T) {
	h := newHarness(t, true)

	res := h.coord.ExecuteDecision(context.Background(), Decision{Symbol: "BTCUSDT", Side: "neutral"})
	if res.Status != StatusNeutral {
		t.Fatalf("status = %s", res.Status)
	}
	for _, op := range []string{"account", "place_order", "price"} {
		if n := h.ex.Calls(op); n != 0 {
			t.Fatalf("%s calls = %d, want 0", op, n)
		}
	}
}

func TestExecuteDecisionValidation(t *testing.T) {
	h := newHarness(t, true)

	cases := []struct {
		name string
		edit func(d *Decision)
	}{
		{"long stop above entry", func(d *Decision) { d.StopLoss = ptr(51000) }},
		{"short stop below entry", func(d *Decision) { d.Side = SideShort }},
		{"long take-profit below entry", func(d *Decision) { d.TakeProfit = ptr(49000) }},
		{"unknown side", func(d *Decision) { d.Side = "SIDEWAYS" }},
		{"missing symbol", func(d *Decision) { d.Symbol = "" }},
		{"leverage over limit", func(d *Decision) { d.Leverage = 50 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := longWithStop()
			tc.edit(&d)
			res := h.coord.ExecuteDecision(context.Background(), d)
			if res.Status != StatusError {
				t.Fatalf("status = %s, want error", res.Status)
			}
		})
	}
	if n := h.ex.Calls("place_order"); n != 0 {
		t.Fatalf("place_order calls = %d, want 0", n)
	}
}

func TestExecuteDecisionUsesMarketPriceWhenEntryMissing(t *testing.T) {
	h := newHarness(t, false)
	d := longWithStop()
	d.EntryPrice = 0

	res := h.coord.ExecuteDecision(context.Background(), d)
	if res.Status != StatusSimulated {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.Decision.EntryPrice != 50000 || res.Sizing.Quantity != 0.1 {
		t.Fatalf("entry %v qty %v", res.Decision.EntryPrice, res.Sizing.Quantity)
	}
}

func TestCloseManuallyClosesOnce(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	res := h.coord.ExecuteDecision(ctx, longWithStop())
	if res.Status != StatusSuccess {
		t.Fatalf("entry: %s", res.Message)
	}
	h.ex.SetPrice("BTCUSDT", 51000)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.coord.CloseManually(ctx, res.PositionID, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			succeeded++
			if r.ClosePrice != 51000 || r.RealizedPnL != 1000 {
				t.Fatalf("close price %v pnl %v", r.ClosePrice, r.RealizedPnL)
			}
		}
	}
	if succeeded != 1 {
		t.Fatalf("successful closes = %d, want 1", succeeded)
	}
	if n := h.ex.Calls("place_order"); n != 2 {
		t.Fatalf("place_order calls = %d, want entry plus one close", n)
	}
	if len(h.coord.Triggers()) != 0 {
		t.Fatal("triggers should be removed on close")
	}

	p, _ := h.ledger.Get(ctx, res.PositionID)
	if p.Status != db.StatusClosed || p.CloseReason != "MANUAL" {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestCloseTriggeredReportsAlreadyClosed(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	res := h.coord.ExecuteDecision(ctx, longWithStop())
	if r := h.coord.CloseManually(ctx, res.PositionID, "MANUAL"); r.Status != StatusSuccess {
		t.Fatalf("close: %s", r.Message)
	}

	err := h.coord.CloseTriggered(ctx, trigger.Fired{
		Key:  trigger.Key{Symbol: "BTCUSDT", PositionID: res.PositionID},
		Kind: trigger.StopLoss, Price: 47000,
	})
	if !errors.Is(err, ledger.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestStopLossClosesThroughMonitor(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	closed, unsub := h.bus.Subscribe(4, events.EventPositionClosed)
	defer unsub()

	res := h.coord.ExecuteDecision(ctx, longWithStop())
	if res.Status != StatusSuccess {
		t.Fatalf("entry: %s", res.Message)
	}
	waitFor(t, "stream subscription", func() bool { return h.ex.Streams() > 0 })
	h.ex.SetPrice("BTCUSDT", 47900)

	select {
	case msg := <-closed:
		ev := msg.Payload.(events.PositionClosed)
		if ev.PositionID != res.PositionID || ev.Reason != string(trigger.StopLoss) {
			t.Fatalf("unexpected close %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop-loss did not close the position")
	}
	p, _ := h.ledger.Get(ctx, res.PositionID)
	if p.Status != db.StatusClosed || p.RealizedPnL >= 0 {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestMonitorPortfolioMarksAndStartsMonitor(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	d := longWithStop()
	d.StopLoss = nil
	res := h.coord.ExecuteDecision(ctx, d)
	if res.Status != StatusSuccess {
		t.Fatalf("entry: %s", res.Message)
	}
	if h.mon.Running() {
		t.Fatal("unprotected entry should not start the monitor")
	}

	h.ex.SetPrice("BTCUSDT", 51000)
	summary, err := h.coord.MonitorPortfolio(ctx)
	if err != nil {
		t.Fatalf("MonitorPortfolio: %v", err)
	}
	// qty = 200/50000 = 0.004; (51000-50000)*0.004*10
	if summary.OpenPositions != 1 || summary.UnrealizedPnL != 40 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !h.mon.Running() {
		t.Fatal("monitor should start when positions are open")
	}
	if st := h.coord.Status(); !st.MonitorRunning || !st.AutoExecute {
		t.Fatalf("unexpected status %+v", st)
	}
}
