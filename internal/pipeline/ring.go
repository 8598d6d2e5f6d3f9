package pipeline

import (
	"math/bits"
	"sync/atomic"

	"github.com/acashmore/mdfeed/internal/model"
)

// RingBuffer is a single-producer single-consumer bounded queue of ticks.
// Capacity is rounded up to the next power of two so index wrapping is a
// bitmask. One slot is sacrificed to distinguish full from empty, so a
// buffer of capacity C holds at most C-1 ticks.
//
// Concurrency contract: at most one goroutine calls Push and at most one
// goroutine calls Pop/PopBatch at any time. Index publication uses atomics,
// so the pair may be different goroutines.
type RingBuffer struct {
	mask uint64
	buf  []model.Tick

	write atomic.Uint64
	_     [56]byte // keep the indices on separate cache lines
	read  atomic.Uint64
}

// NewRingBuffer creates a ring with capacity rounded up to the next power of
// two >= requested.
func NewRingBuffer(capacity int) *RingBuffer {
	c := nextPow2(capacity)
	return &RingBuffer{
		mask: uint64(c - 1),
		buf:  make([]model.Tick, c),
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Cap returns the allocated capacity (a power of two).
func (r *RingBuffer) Cap() int {
	return len(r.buf)
}

// Len returns the number of ticks currently queued.
func (r *RingBuffer) Len() int {
	w := r.write.Load()
	rd := r.read.Load()
	return int((w - rd) & r.mask)
}

// Full reports whether the next Push would fail.
func (r *RingBuffer) Full() bool {
	return r.Len() == len(r.buf)-1
}

// Empty reports whether the buffer holds no ticks.
func (r *RingBuffer) Empty() bool {
	return r.write.Load() == r.read.Load()
}

// Push enqueues a tick. It never blocks; false means the buffer was full and
// the tick was not stored.
func (r *RingBuffer) Push(t model.Tick) bool {
	w := r.write.Load()
	next := (w + 1) & r.mask
	if next == r.read.Load() {
		return false
	}
	r.buf[w] = t
	r.write.Store(next)
	return true
}

// Pop dequeues the oldest tick. ok is false when the buffer is empty.
// The slot is cleared so the tick's strings are released.
func (r *RingBuffer) Pop() (t model.Tick, ok bool) {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return model.Tick{}, false
	}
	t = r.buf[rd]
	r.buf[rd] = model.Tick{}
	r.read.Store((rd + 1) & r.mask)
	return t, true
}

// PopBatch dequeues up to max ticks in push order.
func (r *RingBuffer) PopBatch(max int) []model.Tick {
	n := r.Len()
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	batch := make([]model.Tick, 0, n)
	for i := 0; i < n; i++ {
		t, ok := r.Pop()
		if !ok {
			break
		}
		batch = append(batch, t)
	}
	return batch
}
