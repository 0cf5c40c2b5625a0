package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT and the order sides BUY/SELL.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	}
	return "", fmt.Errorf("unknown position side %q", s)
}

// Precision of every amount the ledger stores.
const Precision = 8

// PnL is (price-entry)*qty*leverage for LONG and (entry-price)*qty*leverage for SHORT.
func PnL(side Side, entry, price, qty float64, leverage int) float64 {
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(entry))
	if side == SideShort {
		diff = diff.Neg()
	}
	return round(diff.Mul(decimal.NewFromFloat(qty)).Mul(decimal.NewFromInt(int64(max(leverage, 1)))))
}

// Margin is the capital reserved against a position: qty*entry/leverage.
func Margin(qty, entry float64, leverage int) float64 {
	notional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(entry))
	return round(notional.Div(decimal.NewFromInt(int64(max(leverage, 1)))))
}

func round(d decimal.Decimal) float64 {
	f, _ := d.Round(Precision).Float64()
	return f
}

// sum adds values without accumulating binary float error.
func sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return round(total)
}
