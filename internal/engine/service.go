package engine

import (
	"context"
	"time"

	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/trigger"
	"trade-sentinel/pkg/cache"
	"trade-sentinel/pkg/db"
	exchange "trade-sentinel/pkg/exchanges/common"
)

// Service is the surface the API and scheduler call.
type Service interface {
	ExecuteDecision(ctx context.Context, d Decision) Result
	MonitorPortfolio(ctx context.Context) (ledger.Summary, error)
	CloseManually(ctx context.Context, positionID int64, reason string) Result

	Positions(ctx context.Context, symbol string) ([]db.Position, error)
	History(ctx context.Context, days int) ([]db.Position, error)
	Triggers() []trigger.Entry
	Prices() map[string]cache.Quote
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResult, error)
	Status() SystemStatus
}

var _ Service = (*Coordinator)(nil)

func (c *Coordinator) Positions(ctx context.Context, symbol string) ([]db.Position, error) {
	return c.ledger.ListOpen(ctx, symbol)
}

func (c *Coordinator) History(ctx context.Context, days int) ([]db.Position, error) {
	return c.ledger.History(ctx, days)
}

func (c *Coordinator) Triggers() []trigger.Entry {
	return c.monitor.Book().Snapshot()
}

func (c *Coordinator) Prices() map[string]cache.Quote {
	return c.monitor.Prices().Snapshot()
}

func (c *Coordinator) OpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResult, error) {
	return c.executor.ListOpenOrders(ctx, symbol)
}

// Status reports the coordinator's runtime state.
func (c *Coordinator) Status() SystemStatus {
	return SystemStatus{
		AutoExecute:    c.cfg.AutoExecute,
		MonitorRunning: c.monitor.Running(),
		Instruments:    c.monitor.Instruments(),
		ActiveTriggers: c.monitor.Book().Len(),
		StartedAt:      c.startedAt,
		Uptime:         time.Since(c.startedAt).Round(time.Second).String(),
	}
}
