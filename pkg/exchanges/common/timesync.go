package common

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var tsLog = logrus.WithField("component", "timesync")

// TimeSync keeps the offset between local and exchange clocks.
type TimeSync struct {
	serverTime   func(ctx context.Context) (int64, error)
	offset       int64 // ms, server - local
	lastSync     time.Time
	syncInterval time.Duration
	mu           sync.RWMutex
}

func NewTimeSync(serverTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		serverTime:   serverTime,
		syncInterval: 30 * time.Minute,
	}
}

// Start syncs once and then every syncInterval until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		tsLog.WithError(err).Warn("initial time sync failed")
	}
	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					tsLog.WithError(err).Warn("time sync failed")
				}
			}
		}
	}()
}

// Sync measures the offset assuming symmetric latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.serverTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	tsLog.Debugf("offset=%dms", server-local)
	return nil
}

// Now returns the exchange-adjusted time in milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
