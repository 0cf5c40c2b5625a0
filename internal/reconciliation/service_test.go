package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-sentinel/pkg/db"
	exchange "trade-sentinel/pkg/exchanges/common"
)

type fakeStore struct {
	byStatus map[string][]db.Order
	err      error
}

func (f *fakeStore) ListOrdersByStatus(_ context.Context, statuses ...string) ([]db.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []db.Order
	for _, s := range statuses {
		out = append(out, f.byStatus[s]...)
	}
	return out, nil
}

type fakeSource struct {
	results map[string]db.Order
	errs    map[string]error
	calls   int
}

func (f *fakeSource) GetStatus(_ context.Context, _ string, id string) (db.Order, error) {
	f.calls++
	if err := f.errs[id]; err != nil {
		return db.Order{}, err
	}
	return f.results[id], nil
}

func TestReconcileSyncsPendingOrders(t *testing.T) {
	now := time.Now()
	store := &fakeStore{byStatus: map[string][]db.Order{
		string(exchange.StatusNew): {
			{ID: 1, ExchangeOrderID: "a", Symbol: "BTCUSDT", Status: "NEW"},
			{ID: 2, ExchangeOrderID: "b", Symbol: "BTCUSDT", Status: "NEW"},
			{ID: 3, ExchangeOrderID: "c", Symbol: "ETHUSDT", Status: "NEW"},
		},
		string(exchange.StatusFilled): {
			{ID: 4, ExchangeOrderID: "d", Symbol: "BTCUSDT", Status: "FILLED", PositionID: 9, CreatedAt: now},
			{ID: 5, ExchangeOrderID: "e", Symbol: "BTCUSDT", Status: "FILLED", CreatedAt: now},
			{ID: 6, ExchangeOrderID: "f", Symbol: "BTCUSDT", Status: "FILLED", CreatedAt: now.Add(-48 * time.Hour)},
		},
	}}
	source := &fakeSource{
		results: map[string]db.Order{
			"a": {Status: "FILLED", ExecutedQty: 1},
			"b": {Status: "NEW"},
		},
		errs: map[string]error{"c": exchange.NewNetworkError(errors.New("timeout"))},
	}

	svc := NewService(source, store, nil, 24*time.Hour)
	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Checked != 3 || source.calls != 3 {
		t.Fatalf("checked %d, calls %d", report.Checked, source.calls)
	}
	if len(report.Changes) != 1 || report.Changes[0].ExchangeOrderID != "a" || report.Changes[0].ExchangeStatus != "FILLED" {
		t.Fatalf("unexpected changes %+v", report.Changes)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %v", report.Errors)
	}
	if len(report.Orphans) != 1 || report.Orphans[0].ID != 5 {
		t.Fatalf("unexpected orphans %+v", report.Orphans)
	}
	if !report.HasDiffs() {
		t.Fatal("report should have diffs")
	}
}

func TestReconcileStoreFailure(t *testing.T) {
	svc := NewService(&fakeSource{}, &fakeStore{err: errors.New("disk")}, nil, 0)
	if _, err := svc.Reconcile(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
