package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acashmore/mdfeed/internal/metrics"
	"github.com/acashmore/mdfeed/internal/model"
)

// BatchSink receives flushed tick batches. The batcher waits for the sink to
// return before flushing again, so a slow sink backpressures the ring and
// subsequent pushes drop.
type BatchSink func(ctx context.Context, batch []model.Tick) error

// BufferConfig configures the tick buffer.
type BufferConfig struct {
	BatchSize     int           // max ticks per flush
	FlushInterval time.Duration // max time between flushes
	Capacity      int           // ring capacity (rounded up to a power of two)
}

// DefaultBufferConfig returns sensible defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		BatchSize:     1000,
		FlushInterval: 100 * time.Millisecond,
		Capacity:      65536,
	}
}

// TickBuffer wraps the ring buffer with a count/time flush discipline.
// Push is the producer side; flushes happen either inline on Push when the
// ring reaches BatchSize, or from the background timer. A mutex serializes
// the two flush paths so the ring keeps a single consumer.
type TickBuffer struct {
	cfg    BufferConfig
	sink   BatchSink
	logger *slog.Logger

	ring *RingBuffer

	statsMu sync.Mutex
	stats   model.BufferStats

	flushMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewTickBuffer creates a tick buffer delivering batches to sink.
func NewTickBuffer(cfg BufferConfig, sink BatchSink, logger *slog.Logger) *TickBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickBuffer{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		ring:   NewRingBuffer(cfg.Capacity),
	}
}

// Start launches the background time-based flusher.
func (b *TickBuffer) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.flushLoop()

	b.logger.Info("tick buffer started",
		"batch_size", b.cfg.BatchSize,
		"flush_interval", b.cfg.FlushInterval,
		"capacity", b.ring.Cap(),
	)
}

// Stop cancels the flusher and performs a final flush, which may deliver a
// partial batch. Stop is idempotent.
func (b *TickBuffer) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	// Final flush drains everything still queued.
	for !b.ring.Empty() {
		b.flush(context.Background())
	}
	b.logger.Info("tick buffer stopped")
}

// Push enqueues a tick for batching. Returns false when the ring is full and
// the tick was dropped; drop-on-full is the overflow policy.
func (b *TickBuffer) Push(ctx context.Context, t model.Tick) bool {
	b.statsMu.Lock()
	b.stats.Received++
	b.statsMu.Unlock()

	if !b.ring.Push(t) {
		b.statsMu.Lock()
		b.stats.Dropped++
		b.statsMu.Unlock()
		return false
	}

	if b.ring.Len() >= b.cfg.BatchSize {
		b.flush(ctx)
	}
	return true
}

// Stats returns a snapshot of the buffer counters.
func (b *TickBuffer) Stats() model.BufferStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// flushLoop flushes on a timer whenever the ring is non-empty.
func (b *TickBuffer) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if !b.ring.Empty() {
				b.flush(b.ctx)
			}
		}
	}
}

// flush pops up to BatchSize ticks, accounts latency from the oldest tick,
// and hands the batch to the sink.
func (b *TickBuffer) flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batch := b.ring.PopBatch(b.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}

	now := model.NowNanos()
	latency := now - batch[0].TimestampNs

	b.statsMu.Lock()
	if latency > b.stats.MaxLatencyNs {
		b.stats.MaxLatencyNs = latency
	}
	b.stats.AvgLatencyNs = int64(0.9*float64(b.stats.AvgLatencyNs) + 0.1*float64(latency))
	b.statsMu.Unlock()

	if err := b.sink(ctx, batch); err != nil {
		b.logger.Error("batch sink failed", "count", len(batch), "error", err)
	}

	b.statsMu.Lock()
	b.stats.Processed += int64(len(batch))
	b.stats.BatchesFlushed++
	b.statsMu.Unlock()
	metrics.BatchesFlushed.Inc()
}
