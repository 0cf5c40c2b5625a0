package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/pkg/db"
)

var log = logrus.WithField("component", "batch-writer")

// MarkStore persists a batch of marks in one transaction.
type MarkStore interface {
	UpdatePositionMarks(ctx context.Context, marks []db.Mark) error
}

// BatchWriter coalesces streamed marks per position and flushes them
// periodically, so tick ingestion never waits on SQLite.
type BatchWriter struct {
	store       MarkStore
	mu          sync.Mutex
	pending     map[int64]db.Mark
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes every interval or once
// maxSize distinct positions are pending.
func NewBatchWriter(store MarkStore, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		store:       store,
		pending:     make(map[int64]db.Mark, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Enqueue records m; a newer mark for the same position replaces an older one.
func (bw *BatchWriter) Enqueue(m db.Mark) {
	bw.mu.Lock()
	if prev, ok := bw.pending[m.PositionID]; !ok || !m.At.Before(prev.At) {
		bw.pending[m.PositionID] = m
	}
	full := len(bw.pending) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		go func() {
			if err := bw.Flush(context.Background()); err != nil {
				log.WithError(err).Warn("size-triggered flush failed")
			}
		}()
	}
}

// Flush immediately writes all pending marks.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.pending) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := make([]db.Mark, 0, len(bw.pending))
	for _, m := range bw.pending {
		batch = append(batch, m)
	}
	bw.pending = make(map[int64]db.Mark, bw.maxSize)
	bw.mu.Unlock()

	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(batch)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	if err := bw.store.UpdatePositionMarks(ctx, batch); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.requeue(batch)
		return err
	}

	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()
	log.Debugf("flushed %d marks", len(batch))
	return nil
}

// requeue puts a failed batch back unless newer marks arrived meanwhile.
func (bw *BatchWriter) requeue(batch []db.Mark) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	for _, m := range batch {
		if _, ok := bw.pending[m.PositionID]; !ok {
			bw.pending[m.PositionID] = m
		}
	}
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				log.WithError(err).Warn("background flush failed")
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				log.WithError(err).Error("final flush failed")
			}
			return
		}
	}
}

// Pending returns the number of positions with unflushed marks.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.pending)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: bw.metrics.LastBatchSize,
		LastFlushTime: bw.metrics.LastFlushTime,
	}
}

// Close flushes what is pending and stops the background loop. Safe to call twice.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
