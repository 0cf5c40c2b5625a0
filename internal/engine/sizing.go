package engine

import (
	"github.com/shopspring/decimal"
)

// quantityPlaces is the rounding applied to computed quantities.
const quantityPlaces = 8

// Sizing is the position size derived from balance and risk.
type Sizing struct {
	Balance        float64  `json:"balance"`
	RiskPct        float64  `json:"risk_pct"`
	RiskAmount     float64  `json:"risk_amount"`
	EntryPrice     float64  `json:"entry_price"`
	StopPrice      *float64 `json:"stop_price,omitempty"`
	Quantity       float64  `json:"quantity"`
	TotalValue     float64  `json:"total_value"`
	Leverage       int      `json:"leverage"`
	MarginRequired float64  `json:"margin_required"`
}

// Size computes riskAmount = balance*riskPct/100, then
// qty = riskAmount/|entry-stop| when a stop is given, else riskAmount/entry.
// A zero stop distance or a non-positive result yields quantity 0 and a ValidationError.
func Size(balance, riskPct, entry float64, stop *float64, leverage int) (Sizing, error) {
	if leverage < 1 {
		leverage = 1
	}
	s := Sizing{Balance: balance, RiskPct: riskPct, EntryPrice: entry, StopPrice: stop, Leverage: leverage}
	if entry <= 0 {
		return s, invalid("entry_price", "must be positive, got %v", entry)
	}
	if riskPct <= 0 {
		return s, invalid("risk_pct", "must be positive, got %v", riskPct)
	}

	risk := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPct)).Div(decimal.NewFromInt(100))
	s.RiskAmount = toFloat(risk.Round(quantityPlaces))

	distance := decimal.NewFromFloat(entry)
	if stop != nil {
		distance = decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(*stop)).Abs()
		if distance.IsZero() {
			return s, invalid("stop_loss", "equals entry price")
		}
	}
	qty := risk.Div(distance).Round(quantityPlaces)
	if !qty.IsPositive() {
		return s, invalid("quantity", "computed size %s is not positive (balance %v)", qty.String(), balance)
	}

	total := qty.Mul(decimal.NewFromFloat(entry))
	s.Quantity = toFloat(qty)
	s.TotalValue = toFloat(total.Round(quantityPlaces))
	s.MarginRequired = toFloat(total.Div(decimal.NewFromInt(int64(leverage))).Round(quantityPlaces))
	return s, nil
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
