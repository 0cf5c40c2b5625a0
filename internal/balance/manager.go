package balance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/pkg/db"
)

var log = logrus.WithField("component", "balance")

// Refresher fetches and persists the account balances. The order executor implements it.
type Refresher interface {
	RefreshBalances(ctx context.Context) ([]db.Balance, error)
}

// Balance represents the quote-asset balance.
type Balance struct {
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Locked    float64   `json:"locked"`
	Reserved  float64   `json:"reserved"`
	LastSync  time.Time `json:"last_sync"`
}

// Manager caches the quote-asset balance and tracks margin reserved by
// entries that are still being placed.
type Manager struct {
	exchange Refresher
	asset    string
	maxAge   time.Duration
	cache    Balance
	mu       sync.RWMutex
	syncMu   sync.Mutex
}

// NewManager creates a manager that refreshes when the cache is older than maxAge.
func NewManager(exchange Refresher, asset string, maxAge time.Duration) *Manager {
	asset = strings.ToUpper(asset)
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Manager{
		exchange: exchange,
		asset:    asset,
		maxAge:   maxAge,
		cache:    Balance{Asset: asset},
	}
}

// Sync fetches all balances from the exchange and caches the quote asset.
func (m *Manager) Sync(ctx context.Context) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	rows, err := m.exchange.RefreshBalances(ctx)
	if err != nil {
		return err
	}
	m.Apply(rows)
	return nil
}

// Apply caches the quote-asset row of a refresh; other assets are ignored.
func (m *Manager) Apply(rows []db.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Total, m.cache.Available, m.cache.Locked = 0, 0, 0
	for _, r := range rows {
		if r.Asset != m.asset {
			continue
		}
		m.cache.Total = r.Total
		m.cache.Available = r.Free
		m.cache.Locked = r.Locked
	}
	m.cache.LastSync = time.Now()
	log.Debugf("balance synced: %s total=%.2f available=%.2f", m.asset, m.cache.Total, m.cache.Available)
}

// Available returns free quote balance minus reservations, refreshing
// first when the cache is stale.
func (m *Manager) Available(ctx context.Context) (float64, error) {
	m.mu.RLock()
	stale := time.Since(m.cache.LastSync) > m.maxAge
	m.mu.RUnlock()
	if stale {
		if err := m.Sync(ctx); err != nil {
			return 0, fmt.Errorf("sync balance: %w", err)
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return max(m.cache.Available-m.cache.Reserved, 0), nil
}

// Reserve sets aside amount for an entry in flight.
func (m *Manager) Reserve(amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if free := m.cache.Available - m.cache.Reserved; amount > free {
		return fmt.Errorf("insufficient balance: need %.2f, have %.2f", amount, free)
	}
	m.cache.Reserved += amount
	return nil
}

// Release returns a reservation.
func (m *Manager) Release(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Reserved = max(m.cache.Reserved-amount, 0)
}

// GetBalance returns current balance snapshot.
func (m *Manager) GetBalance() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}
