package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Store is the persistence layer for positions, orders, trades, balances and PnL rollups.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const positionColumns = `id, symbol, side, quantity, entry_price, current_price, stop_loss, take_profit,
	leverage, margin_used, unrealized_pnl, status, strategy_id, opened_at, updated_at,
	COALESCE(closed_at, 0), COALESCE(close_price, 0), COALESCE(realized_pnl, 0), close_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (Position, error) {
	var p Position
	var opened, updated, closedAt int64
	err := s.Scan(&p.ID, &p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice,
		&p.StopLoss, &p.TakeProfit, &p.Leverage, &p.MarginUsed, &p.UnrealizedPnL, &p.Status,
		&p.StrategyID, &opened, &updated, &closedAt, &p.ClosePrice, &p.RealizedPnL, &p.CloseReason)
	if err != nil {
		return Position{}, err
	}
	p.OpenedAt = fromMillis(opened)
	p.UpdatedAt = fromMillis(updated)
	p.ClosedAt = fromMillis(closedAt)
	return p, nil
}

// InsertPosition stores an OPEN position and its OPEN trade record in one transaction.
func (s *Store) InsertPosition(ctx context.Context, p *Position) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("insert position", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, side, quantity, entry_price, current_price, stop_loss, take_profit,
			leverage, margin_used, unrealized_pnl, status, strategy_id, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.CurrentPrice, p.StopLoss, p.TakeProfit,
		p.Leverage, p.MarginUsed, p.UnrealizedPnL, StatusOpen, p.StrategyID,
		toMillis(p.OpenedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return 0, wrap("insert position", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("insert position", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (position_id, symbol, side, quantity, price, realized_pnl, transaction_type, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		id, p.Symbol, p.Side, p.Quantity, p.EntryPrice, TxOpen, toMillis(p.OpenedAt)); err != nil {
		return 0, wrap("insert open trade", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("insert position", err)
	}
	p.ID = id
	p.Status = StatusOpen
	return id, nil
}

// GetPosition returns ErrNotFound when id is unknown.
func (s *Store) GetPosition(ctx context.Context, id int64) (Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, wrap("get position", err)
	}
	return p, nil
}

// ListPositions filters by status and symbol; empty values match everything.
func (s *Store) ListPositions(ctx context.Context, status, symbol string) ([]Position, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(symbol))
	}
	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	return s.queryPositions(ctx, "list positions", query, args...)
}

// ListClosedSince returns positions closed at or after since, newest first.
func (s *Store) ListClosedSince(ctx context.Context, since time.Time) ([]Position, error) {
	return s.queryPositions(ctx, "list closed positions",
		`SELECT `+positionColumns+` FROM positions WHERE status = ? AND closed_at >= ? ORDER BY closed_at DESC`,
		StatusClosed, toMillis(since))
}

func (s *Store) queryPositions(ctx context.Context, op, query string, args ...any) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, p)
	}
	return out, wrap(op, rows.Err())
}

// UpdatePositionMarks applies mark-to-market updates in one transaction.
// Closed positions are left untouched.
func (s *Store) UpdatePositionMarks(ctx context.Context, marks []Mark) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("update marks", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE positions SET current_price = ?, unrealized_pnl = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'`)
	if err != nil {
		return wrap("update marks", err)
	}
	defer stmt.Close()

	for _, m := range marks {
		if _, err := stmt.ExecContext(ctx, m.Price, m.UnrealizedPnL, toMillis(m.At), m.PositionID); err != nil {
			return wrap("update marks", err)
		}
	}
	return wrap("update marks", tx.Commit())
}

// UpdateProtection replaces the stop-loss and take-profit of an open position.
func (s *Store) UpdateProtection(ctx context.Context, id int64, stopLoss, takeProfit *float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET stop_loss = ?, take_profit = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'`, stopLoss, takeProfit, toMillis(at), id)
	if err != nil {
		return wrap("update protection", err)
	}
	return s.expectOpen(ctx, res, id)
}

// ClosePosition marks the position CLOSED and appends the CLOSE trade.
// It returns ErrAlreadyClosed when the position is no longer OPEN.
func (s *Store) ClosePosition(ctx context.Context, req CloseRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("close position", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET status = 'CLOSED', current_price = ?, unrealized_pnl = 0,
			close_price = ?, realized_pnl = ?, close_reason = ?, closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'`,
		req.ClosePrice, req.ClosePrice, req.RealizedPnL, req.Reason, toMillis(req.At), toMillis(req.At), req.PositionID)
	if err != nil {
		return wrap("close position", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("close position", err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM positions WHERE id = ?`, req.PositionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return wrap("close position", err)
		}
		return ErrAlreadyClosed
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (position_id, symbol, side, quantity, price, realized_pnl, transaction_type, close_reason, created_at)
		SELECT id, symbol, side, quantity, ?, ?, ?, ?, ? FROM positions WHERE id = ?`,
		req.ClosePrice, req.RealizedPnL, TxClose, req.Reason, toMillis(req.At), req.PositionID); err != nil {
		return wrap("insert close trade", err)
	}
	return wrap("close position", tx.Commit())
}

func (s *Store) expectOpen(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	p, err := s.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusOpen {
		return ErrAlreadyClosed
	}
	return nil
}

// ListTrades returns the trade records of a position in insertion order.
func (s *Store) ListTrades(ctx context.Context, positionID int64) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, symbol, side, quantity, price, realized_pnl, transaction_type, close_reason, created_at
		FROM trades WHERE position_id = ? ORDER BY id`, positionID)
	if err != nil {
		return nil, wrap("list trades", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			t  Trade
			at int64
		)
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Side, &t.Quantity, &t.Price,
			&t.RealizedPnL, &t.TransactionType, &t.CloseReason, &at); err != nil {
			return nil, wrap("list trades", err)
		}
		t.CreatedAt = fromMillis(at)
		out = append(out, t)
	}
	return out, wrap("list trades", rows.Err())
}

// RealizedSince sums realized PnL of CLOSE trades at or after since.
func (s *Store) RealizedSince(ctx context.Context, since time.Time) (float64, int, error) {
	var (
		total float64
		count int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0), COUNT(*) FROM trades
		WHERE transaction_type = ? AND created_at >= ?`, TxClose, toMillis(since)).Scan(&total, &count)
	if err != nil {
		return 0, 0, wrap("realized since", err)
	}
	return total, count, nil
}
