package engine

import (
	"errors"
	"testing"
)

func TestSize(t *testing.T) {
	stop := func(v float64) *float64 { return &v }

	cases := []struct {
		name     string
		balance  float64
		riskPct  float64
		entry    float64
		stop     *float64
		leverage int
		risk     float64
		qty      float64
		margin   float64
	}{
		{"with stop", 10000, 2, 50000, stop(48000), 10, 200, 0.1, 500},
		{"short stop above entry", 10000, 2, 50000, stop(52000), 5, 200, 0.1, 1000},
		{"no stop sizes on entry", 10000, 1, 50000, nil, 1, 100, 0.002, 100},
		{"rounds to 8 places", 1000, 1, 3, stop(0), 1, 10, 3.33333333, 9.99999999},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Size(tc.balance, tc.riskPct, tc.entry, tc.stop, tc.leverage)
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if s.RiskAmount != tc.risk {
				t.Errorf("risk amount = %v, want %v", s.RiskAmount, tc.risk)
			}
			if s.Quantity != tc.qty {
				t.Errorf("quantity = %v, want %v", s.Quantity, tc.qty)
			}
			if s.MarginRequired != tc.margin {
				t.Errorf("margin = %v, want %v", s.MarginRequired, tc.margin)
			}
		})
	}
}

func TestSizeRejectsDegenerateInputs(t *testing.T) {
	entry := 50000.0
	cases := []struct {
		name    string
		balance float64
		riskPct float64
		entry   float64
		stop    *float64
		field   string
	}{
		{"stop equals entry", 10000, 2, entry, &entry, "stop_loss"},
		{"empty balance", 0, 2, entry, nil, "quantity"},
		{"no entry", 10000, 2, 0, nil, "entry_price"},
		{"no risk", 10000, 0, entry, nil, "risk_pct"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Size(tc.balance, tc.riskPct, tc.entry, tc.stop, 1)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q", verr.Field, tc.field)
			}
			if s.Quantity != 0 {
				t.Fatalf("quantity = %v, want 0", s.Quantity)
			}
		})
	}
}
