// Package reconciliation brings persisted orders in line with the exchange.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/events"
	"trade-sentinel/pkg/db"
	exchange "trade-sentinel/pkg/exchanges/common"
)

var log = logrus.WithField("component", "reconciliation")

// StatusSource refreshes one order from the exchange and persists the
// result; the order executor implements it.
type StatusSource interface {
	GetStatus(ctx context.Context, symbol, exchangeOrderID string) (db.Order, error)
}

// OrderStore lists persisted orders.
type OrderStore interface {
	ListOrdersByStatus(ctx context.Context, statuses ...string) ([]db.Order, error)
}

// Service syncs non-terminal orders and flags filled orders that never
// got a position.
type Service struct {
	source StatusSource
	store  OrderStore
	bus    *events.Bus
	// orphanWindow bounds how far back filled orders are checked for a position link.
	orphanWindow time.Duration
	mu           sync.Mutex
}

// Report is the result of one pass.
type Report struct {
	Timestamp time.Time   `json:"timestamp"`
	Checked   int         `json:"checked"`
	Changes   []OrderDiff `json:"changes"`
	Orphans   []db.Order  `json:"orphans"`
	Errors    []string    `json:"errors,omitempty"`
}

// OrderDiff is a status change observed on the exchange.
type OrderDiff struct {
	OrderID         int64   `json:"order_id"`
	ExchangeOrderID string  `json:"exchange_order_id"`
	Symbol          string  `json:"symbol"`
	LocalStatus     string  `json:"local_status"`
	ExchangeStatus  string  `json:"exchange_status"`
	ExecutedQty     float64 `json:"executed_qty"`
}

// HasDiffs reports whether anything changed or needs attention.
func (r *Report) HasDiffs() bool {
	return len(r.Changes) > 0 || len(r.Orphans) > 0
}

func NewService(source StatusSource, store OrderStore, bus *events.Bus, orphanWindow time.Duration) *Service {
	if orphanWindow <= 0 {
		orphanWindow = 24 * time.Hour
	}
	return &Service{source: source, store: store, bus: bus, orphanWindow: orphanWindow}
}

// Reconcile queries every NEW or PARTIAL order and records its exchange status.
// Per-order failures are collected in the report; only a store failure aborts the pass.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}
	pending, err := s.store.ListOrdersByStatus(ctx, string(exchange.StatusNew), string(exchange.StatusPartial))
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	for _, o := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		fresh, err := s.source.GetStatus(ctx, o.Symbol, o.ExchangeOrderID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", o.Symbol, o.ExchangeOrderID, err))
			continue
		}
		if fresh.Status != o.Status || fresh.ExecutedQty != o.ExecutedQty {
			diff := OrderDiff{
				OrderID: o.ID, ExchangeOrderID: o.ExchangeOrderID, Symbol: o.Symbol,
				LocalStatus: o.Status, ExchangeStatus: fresh.Status, ExecutedQty: fresh.ExecutedQty,
			}
			report.Changes = append(report.Changes, diff)
			s.bus.Publish(events.EventOrderUpdated, diff)
		}
	}

	filled, err := s.store.ListOrdersByStatus(ctx, string(exchange.StatusFilled))
	if err != nil {
		return report, fmt.Errorf("list filled orders: %w", err)
	}
	cutoff := report.Timestamp.Add(-s.orphanWindow)
	for _, o := range filled {
		if o.PositionID == 0 && o.CreatedAt.After(cutoff) {
			report.Orphans = append(report.Orphans, o)
		}
	}

	s.logReport(report)
	return report, nil
}

func (s *Service) logReport(r *Report) {
	if !r.HasDiffs() && len(r.Errors) == 0 {
		log.Debugf("reconciliation clean (%d pending orders checked)", r.Checked)
		return
	}
	for _, d := range r.Changes {
		log.WithFields(logrus.Fields{
			"order": d.ExchangeOrderID, "symbol": d.Symbol, "from": d.LocalStatus, "to": d.ExchangeStatus,
		}).Info("order status synced")
	}
	for _, o := range r.Orphans {
		log.WithFields(logrus.Fields{"order_id": o.ID, "order": o.ExchangeOrderID, "symbol": o.Symbol}).
			Warn("filled order has no position; manual reconciliation required")
	}
	for _, e := range r.Errors {
		log.Warnf("order status check failed: %s", e)
	}
}
