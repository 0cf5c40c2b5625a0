package ledger

import (
	"context"
	"time"

	"trade-sentinel/internal/monitor"
	"trade-sentinel/pkg/db"
)

// Summary aggregates the open book and today's closed trades.
type Summary struct {
	OpenPositions int                   `json:"open_positions"`
	MarginUsed    float64               `json:"margin_used"`
	UnrealizedPnL float64               `json:"unrealized_pnl"`
	RealizedToday float64               `json:"realized_today"`
	TradesToday   int                   `json:"trades_today"`
	Balances      map[string]db.Balance `json:"balances"`
	Positions     []db.Position         `json:"positions"`
	At            time.Time             `json:"at"`
}

// reportedAssets are the balances carried in the summary besides the quote asset.
var reportedAssets = []string{"BTC", "ETH"}

// PortfolioSummary aggregates count, margin and unrealized PnL of open
// positions with today's realized PnL, and updates the portfolio gauges.
func (l *Ledger) PortfolioSummary(ctx context.Context) (Summary, error) {
	positions, err := l.ListOpen(ctx, "")
	if err != nil {
		return Summary{}, err
	}
	now := time.Now()
	realized, trades, err := l.store.RealizedSince(ctx, db.StartOfDay(now))
	if err != nil {
		return Summary{}, err
	}
	balances, err := l.store.ListBalances(ctx)
	if err != nil {
		return Summary{}, err
	}

	margins := make([]float64, 0, len(positions))
	pnls := make([]float64, 0, len(positions))
	for _, p := range positions {
		margins = append(margins, p.MarginUsed)
		pnls = append(pnls, p.UnrealizedPnL)
	}
	s := Summary{
		OpenPositions: len(positions),
		MarginUsed:    sum(margins...),
		UnrealizedPnL: sum(pnls...),
		RealizedToday: sum(realized),
		TradesToday:   trades,
		Balances:      make(map[string]db.Balance),
		Positions:     positions,
		At:            now,
	}
	if s.Positions == nil {
		s.Positions = []db.Position{}
	}
	wanted := append([]string{l.quoteAsset}, reportedAssets...)
	for _, b := range balances {
		for _, asset := range wanted {
			if b.Asset == asset {
				s.Balances[asset] = b
			}
		}
	}

	monitor.OpenPositions.Set(float64(s.OpenPositions))
	monitor.MarginUsed.Set(s.MarginUsed)
	monitor.UnrealizedPnL.Set(s.UnrealizedPnL)
	monitor.RealizedToday.Set(s.RealizedToday)
	return s, nil
}

// Rollup is the daily_pnl row for the current day.
func (l *Ledger) Rollup(ctx context.Context) (db.DailyPnL, error) {
	s, err := l.PortfolioSummary(ctx)
	if err != nil {
		return db.DailyPnL{}, err
	}
	row := db.DailyPnL{
		Date:          db.DayKey(s.At),
		RealizedPnL:   s.RealizedToday,
		UnrealizedPnL: s.UnrealizedPnL,
		OpenPositions: s.OpenPositions,
		MarginUsed:    s.MarginUsed,
		TradeCount:    s.TradesToday,
		UpdatedAt:     s.At,
	}
	if err := l.store.UpsertDailyPnL(ctx, row); err != nil {
		return db.DailyPnL{}, err
	}
	return row, nil
}

// OpenCount is the number of OPEN positions.
func (l *Ledger) OpenCount(ctx context.Context) (int, error) {
	positions, err := l.store.ListPositions(ctx, db.StatusOpen, "")
	return len(positions), err
}

// RealizedToday sums realized PnL booked since midnight.
func (l *Ledger) RealizedToday(ctx context.Context) (float64, error) {
	realized, _, err := l.store.RealizedSince(ctx, db.StartOfDay(time.Now()))
	return realized, err
}
