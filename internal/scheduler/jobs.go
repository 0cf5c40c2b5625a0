package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/balance"
	"trade-sentinel/internal/engine"
	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/reconciliation"
	"trade-sentinel/internal/strategy"
	"trade-sentinel/internal/trigger"
)

// Job names.
const (
	JobPortfolio = "portfolio"
	JobBalances  = "balances"
	JobOrderSync = "order_sync"
	JobRollup    = "daily_rollup"
	JobPrune     = "trigger_prune"
	JobDecisions = "decisions"
)

// Intervals sets the cadence of each standard job; zero disables it.
type Intervals struct {
	Portfolio time.Duration
	Balances  time.Duration
	OrderSync time.Duration
	Rollup    time.Duration
	Prune     time.Duration
	Decisions time.Duration
}

// Deps are the components the standard jobs call.
type Deps struct {
	Engine    engine.Service
	Ledger    *ledger.Ledger
	Balances  *balance.Manager
	Orders    *reconciliation.Service
	Monitor   *trigger.Monitor
	Decisions strategy.Provider // optional
}

// Standard builds the portfolio, balance, order-sync, rollup, prune and
// decision jobs.
func Standard(d Deps, iv Intervals) []Job {
	jobs := []Job{
		{Name: JobPortfolio, Interval: iv.Portfolio, RunAtStart: true, Run: func(ctx context.Context) error {
			s, err := d.Engine.MonitorPortfolio(ctx)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"open": s.OpenPositions, "margin": s.MarginUsed, "unrealized": s.UnrealizedPnL, "realized_today": s.RealizedToday,
			}).Info("portfolio")
			return nil
		}},
		{Name: JobBalances, Interval: iv.Balances, RunAtStart: true, Run: d.Balances.Sync},
		{Name: JobOrderSync, Interval: iv.OrderSync, Run: func(ctx context.Context) error {
			_, err := d.Orders.Reconcile(ctx)
			return err
		}},
		{Name: JobRollup, Interval: iv.Rollup, Run: func(ctx context.Context) error {
			_, err := d.Ledger.Rollup(ctx)
			return err
		}},
		{Name: JobPrune, Interval: iv.Prune, Run: func(ctx context.Context) error {
			n, err := d.Monitor.Prune(ctx)
			if n > 0 {
				log.Infof("pruned triggers of %d closed positions", n)
			}
			return err
		}},
	}
	if d.Decisions != nil {
		jobs = append(jobs, Job{Name: JobDecisions, Interval: iv.Decisions, Run: func(ctx context.Context) error {
			return ExecuteNew(ctx, d.Decisions, d.Engine)
		}})
	}
	return jobs
}

// ExecuteNew pulls new decisions and executes them in order.
func ExecuteNew(ctx context.Context, p strategy.Provider, svc engine.Service) error {
	decisions, err := p.Next(ctx)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res := svc.ExecuteDecision(ctx, d)
		log.WithFields(logrus.Fields{
			"decision": d.ID, "symbol": d.Symbol, "side": d.Side, "status": res.Status, "position_id": res.PositionID,
		}).Info(res.Message)
	}
	return nil
}
