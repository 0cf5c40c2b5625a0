package risk

// Limits are the pre-trade rules applied to every entry.
type Limits struct {
	MaxLeverage      int     `json:"max_leverage" yaml:"max_leverage"`
	MaxRiskPct       float64 `json:"max_risk_pct" yaml:"max_risk_pct"`
	MaxOpenPositions int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxDailyLoss     float64 `json:"max_daily_loss" yaml:"max_daily_loss"` // positive amount, 0 disables
	MinQuantity      float64 `json:"min_quantity" yaml:"min_quantity"`
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxLeverage:      20,
		MaxRiskPct:       5,
		MaxOpenPositions: 10,
	}
}

// Intent is an entry about to be placed.
type Intent struct {
	Symbol   string
	Leverage int
	RiskPct  float64
	Quantity float64
}

// Rule names a limit.
type Rule string

const (
	RuleLeverage      Rule = "MAX_LEVERAGE"
	RuleRiskPct       Rule = "MAX_RISK_PCT"
	RuleOpenPositions Rule = "MAX_OPEN_POSITIONS"
	RuleDailyLoss     Rule = "MAX_DAILY_LOSS"
	RuleMinQuantity   Rule = "MIN_QUANTITY"
)

// RiskDecision is the outcome of Evaluate.
type RiskDecision struct {
	Allowed bool   `json:"allowed"`
	Rule    Rule   `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RiskMetrics is the exposure observed at the last evaluation.
type RiskMetrics struct {
	OpenPositions int     `json:"open_positions"`
	RealizedToday float64 `json:"realized_today"`
	Rejections    int     `json:"rejections"`
}
