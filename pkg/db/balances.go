package db

import (
	"context"
	"time"
)

// UpsertBalance refreshes the current row for an asset.
func (s *Store) UpsertBalance(ctx context.Context, b Balance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_balance (asset, free, locked, total, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET
			free = excluded.free,
			locked = excluded.locked,
			total = excluded.total,
			updated_at = excluded.updated_at`,
		b.Asset, b.Free, b.Locked, b.Total, toMillis(b.UpdatedAt))
	return wrap("upsert balance", err)
}

// ListBalances returns all balance rows ordered by asset.
func (s *Store) ListBalances(ctx context.Context) ([]Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, free, locked, total, updated_at FROM account_balance ORDER BY asset`)
	if err != nil {
		return nil, wrap("list balances", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var (
			b  Balance
			at int64
		)
		if err := rows.Scan(&b.Asset, &b.Free, &b.Locked, &b.Total, &at); err != nil {
			return nil, wrap("list balances", err)
		}
		b.UpdatedAt = fromMillis(at)
		out = append(out, b)
	}
	return out, wrap("list balances", rows.Err())
}

// UpsertDailyPnL writes the rollup for p.Date.
func (s *Store) UpsertDailyPnL(ctx context.Context, p DailyPnL) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_pnl (date, realized_pnl, unrealized_pnl, open_positions, margin_used, trade_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			open_positions = excluded.open_positions,
			margin_used = excluded.margin_used,
			trade_count = excluded.trade_count,
			updated_at = excluded.updated_at`,
		p.Date, p.RealizedPnL, p.UnrealizedPnL, p.OpenPositions, p.MarginUsed, p.TradeCount, toMillis(p.UpdatedAt))
	return wrap("upsert daily pnl", err)
}

// GetDailyPnL returns ErrNotFound when no rollup exists for date.
func (s *Store) GetDailyPnL(ctx context.Context, date string) (DailyPnL, error) {
	var (
		p  DailyPnL
		at int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT date, realized_pnl, unrealized_pnl, open_positions, margin_used, trade_count, updated_at
		FROM daily_pnl WHERE date = ?`, date).
		Scan(&p.Date, &p.RealizedPnL, &p.UnrealizedPnL, &p.OpenPositions, &p.MarginUsed, &p.TradeCount, &at)
	if err != nil {
		if isNoRows(err) {
			return DailyPnL{}, ErrNotFound
		}
		return DailyPnL{}, wrap("get daily pnl", err)
	}
	p.UpdatedAt = fromMillis(at)
	return p, nil
}

// DayKey formats t as the daily_pnl key in t's location.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// StartOfDay returns local midnight of t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
