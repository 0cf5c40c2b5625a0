package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "risk")

// Exposure reports current book state. The ledger implements it.
type Exposure interface {
	OpenCount(ctx context.Context) (int, error)
	RealizedToday(ctx context.Context) (float64, error)
}

// Manager evaluates entries against Limits.
type Manager struct {
	exposure Exposure
	limits   Limits
	metrics  RiskMetrics
	mu       sync.RWMutex
}

func NewManager(limits Limits, exposure Exposure) *Manager {
	log.WithFields(logrus.Fields{
		"max_leverage": limits.MaxLeverage, "max_risk_pct": limits.MaxRiskPct,
		"max_open": limits.MaxOpenPositions, "max_daily_loss": limits.MaxDailyLoss,
	}).Info("risk manager initialized")
	return &Manager{exposure: exposure, limits: limits}
}

// GetLimits returns a copy of the active limits.
func (m *Manager) GetLimits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// UpdateLimits replaces the active limits.
func (m *Manager) UpdateLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
}

// Evaluate checks in against the limits. A zero limit disables its rule.
// Exposure lookups that fail reject the entry.
func (m *Manager) Evaluate(ctx context.Context, in Intent) (RiskDecision, error) {
	l := m.GetLimits()

	if l.MaxLeverage > 0 && in.Leverage > l.MaxLeverage {
		return m.reject(RuleLeverage, "leverage %d exceeds max %d", in.Leverage, l.MaxLeverage), nil
	}
	if l.MaxRiskPct > 0 && in.RiskPct > l.MaxRiskPct {
		return m.reject(RuleRiskPct, "risk %.2f%% exceeds max %.2f%%", in.RiskPct, l.MaxRiskPct), nil
	}
	if l.MinQuantity > 0 && in.Quantity < l.MinQuantity {
		return m.reject(RuleMinQuantity, "quantity %v below minimum %v", in.Quantity, l.MinQuantity), nil
	}

	var (
		open     int
		realized float64
		err      error
	)
	if m.exposure != nil {
		if open, err = m.exposure.OpenCount(ctx); err != nil {
			return RiskDecision{}, fmt.Errorf("open position count: %w", err)
		}
		if realized, err = m.exposure.RealizedToday(ctx); err != nil {
			return RiskDecision{}, fmt.Errorf("realized today: %w", err)
		}
	}
	m.mu.Lock()
	m.metrics.OpenPositions = open
	m.metrics.RealizedToday = realized
	m.mu.Unlock()

	if l.MaxOpenPositions > 0 && open >= l.MaxOpenPositions {
		return m.reject(RuleOpenPositions, "open positions %d reached max %d", open, l.MaxOpenPositions), nil
	}
	if l.MaxDailyLoss > 0 && realized <= -l.MaxDailyLoss {
		return m.reject(RuleDailyLoss, "daily loss %.2f reached limit %.2f", -realized, l.MaxDailyLoss), nil
	}
	return RiskDecision{Allowed: true}, nil
}

func (m *Manager) reject(rule Rule, format string, args ...any) RiskDecision {
	m.mu.Lock()
	m.metrics.Rejections++
	m.mu.Unlock()
	reason := fmt.Sprintf(format, args...)
	log.WithField("rule", rule).Warnf("entry rejected: %s", reason)
	return RiskDecision{Allowed: false, Rule: rule, Reason: reason}
}

// GetMetrics returns current metrics snapshot.
func (m *Manager) GetMetrics() RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
