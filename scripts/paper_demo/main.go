package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/balance"
	"trade-sentinel/internal/engine"
	"trade-sentinel/internal/events"
	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/order"
	"trade-sentinel/internal/trigger"
	"trade-sentinel/pkg/db"
	"trade-sentinel/pkg/exchanges/paper"
)

// paper_demo walks one decision through the whole core against the paper
// exchange and an in-memory database: entry, mark-to-market, stop-loss fire.
//
// Usage:
//
//	go run ./scripts/paper_demo
func main() {
	log := logrus.WithField("component", "paper-demo")
	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	store := database.Store()

	ex := paper.New(paper.Config{Balance: 10000, FeeRate: 0.0004})
	ex.SetPrice("BTCUSDT", 50000)
	bus := events.NewBus()
	closed, unsub := bus.Subscribe(4, events.EventPositionClosed)
	defer unsub()

	exec := order.NewExecutor(store, ex, bus, order.DefaultConfig())
	book := ledger.New(store, bus, "USDT")
	mon := trigger.NewMonitor(trigger.Config{}, ex, book, nil, bus)
	mon.SetMarker(book)
	defer mon.Stop()

	coord := engine.New(engine.Config{
		Executor:    exec,
		Ledger:      book,
		Monitor:     mon,
		Balances:    balance.NewManager(exec, "USDT", time.Minute),
		Bus:         bus,
		AutoExecute: true,
	})

	stop := 48000.0
	res := coord.ExecuteDecision(ctx, engine.Decision{
		Symbol: "BTCUSDT", Side: engine.SideLong, EntryPrice: 50000, StopLoss: &stop,
		RiskPct: 2, Leverage: 10, StrategyID: "demo",
	})
	log.WithFields(logrus.Fields{"status": res.Status, "position_id": res.PositionID}).Info(res.Message)
	if res.Status != engine.StatusSuccess {
		return
	}

	for _, p := range []float64{50500, 49800, 48500} {
		ex.SetPrice("BTCUSDT", p)
		time.Sleep(50 * time.Millisecond)
	}
	summary, err := coord.MonitorPortfolio(ctx)
	if err != nil {
		log.Fatalf("portfolio: %v", err)
	}
	log.WithFields(logrus.Fields{"open": summary.OpenPositions, "unrealized": summary.UnrealizedPnL}).Info("before stop")

	ex.SetPrice("BTCUSDT", 47900)
	select {
	case msg := <-closed:
		ev := msg.Payload.(events.PositionClosed)
		log.WithFields(logrus.Fields{"price": ev.ClosePrice, "pnl": ev.RealizedPnL, "reason": ev.Reason}).Info("position closed")
	case <-time.After(3 * time.Second):
		log.Warn("stop-loss did not fire")
	}
}
