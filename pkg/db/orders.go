package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const orderColumns = `id, exchange_order_id, client_order_id, symbol, kind, side, quantity, price, stop_price,
	executed_qty, avg_price, status, strategy_id, COALESCE(position_id, 0), created_at, updated_at`

func scanOrder(s scanner) (Order, error) {
	var o Order
	var created, updated int64
	err := s.Scan(&o.ID, &o.ExchangeOrderID, &o.ClientOrderID, &o.Symbol, &o.Kind, &o.Side, &o.Quantity,
		&o.Price, &o.StopPrice, &o.ExecutedQty, &o.AvgPrice, &o.Status, &o.StrategyID, &o.PositionID,
		&created, &updated)
	if err != nil {
		return Order{}, err
	}
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(updated)
	return o, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// InsertOrder stores an accepted order.
func (s *Store) InsertOrder(ctx context.Context, o *Order) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (exchange_order_id, client_order_id, symbol, kind, side, quantity, price, stop_price,
			executed_qty, avg_price, status, strategy_id, position_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ExchangeOrderID, o.ClientOrderID, o.Symbol, o.Kind, o.Side, o.Quantity, o.Price, o.StopPrice,
		o.ExecutedQty, o.AvgPrice, o.Status, o.StrategyID, nullableID(o.PositionID),
		toMillis(o.CreatedAt), toMillis(o.UpdatedAt))
	if err != nil {
		return 0, wrap("insert order", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("insert order", err)
	}
	o.ID = id
	return id, nil
}

// GetOrder looks up an order by its exchange identity.
func (s *Store) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE symbol = ? AND exchange_order_id = ?`,
		strings.ToUpper(symbol), exchangeOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, wrap("get order", err)
	}
	return o, nil
}

// UpdateOrderStatus refreshes the fill state of an order.
func (s *Store) UpdateOrderStatus(ctx context.Context, symbol, exchangeOrderID, status string, executedQty, avgPrice float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, executed_qty = ?, avg_price = ?, updated_at = ?
		WHERE symbol = ? AND exchange_order_id = ?`,
		status, executedQty, avgPrice, toMillis(at), strings.ToUpper(symbol), exchangeOrderID)
	if err != nil {
		return wrap("update order", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update order", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkOrderPosition associates an order with the position it opened or closed.
func (s *Store) LinkOrderPosition(ctx context.Context, orderID, positionID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET position_id = ? WHERE id = ?`, positionID, orderID)
	return wrap("link order", err)
}

// ListOrdersByStatus returns orders whose status is one of statuses, oldest first.
func (s *Store) ListOrdersByStatus(ctx context.Context, statuses ...string) ([]Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, wrap("list orders", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, wrap("list orders", err)
		}
		out = append(out, o)
	}
	return out, wrap("list orders", rows.Err())
}
