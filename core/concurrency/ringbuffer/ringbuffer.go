// Package ringbuffer coordinates many producers with a single consumer over a
// fixed ring of slots.
//
// A producer reserves a slot with Allocate, fills whatever data the slot
// number indexes, and publishes it with MarkReady. Drain hands published
// slots to the consumer strictly in allocation order and frees them. The
// consumer is told which slot closes each contiguous run of ready slots, so
// it can batch its output and flush once per run.
package ringbuffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	"github.com/sushant-115/hdbstore/internal/bits"
	internaltelemetry "github.com/sushant-115/hdbstore/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultSize is the number of slots used by callers that have no reason to
// pick another size.
const DefaultSize = 1024

// Consumer processes one ready slot. last is true for the final slot of the
// run being drained. A returned error (or a panic) is logged and the slot is
// freed anyway.
type Consumer func(slot int, last bool) error

// Option configures a RingBuffer.
type Option func(*RingBuffer)

// WithLogger sets the logger used to report consumer failures.
func WithLogger(logger *zap.Logger) Option {
	return func(rb *RingBuffer) { rb.logger = logger }
}

// WithMetrics records ring activity in m.
func WithMetrics(m *internaltelemetry.RingMetrics) Option {
	return func(rb *RingBuffer) { rb.metrics = m }
}

// RingBuffer is a lock-free multi-producer single-consumer slot allocator.
//
// Positions grow without bound; a slot is a position masked by size-1.
// firstFree is the next position to hand out. lastFree is the last position
// that may be handed out, so producers stop when firstFree passes it. It
// starts at size-1 and only Drain advances it, by the number of slots freed.
// Positions lastFree+1-size .. firstFree-1 are outstanding.
type RingBuffer struct {
	size int64
	mask int64

	firstFree atomic.Int64
	lastFree  atomic.Int64
	working   atomic.Int32
	ready     readySet
	consume   Consumer

	// Producers park on notify when no slot is free. Whoever frees slots
	// or publishes one while producers are parked closes it.
	waiters atomic.Int32
	missed  atomic.Bool // a Drain lost the working guard while producers wait
	mu      sync.Mutex
	notify  chan struct{}

	failures  atomic.Uint64
	logErrors rate.Sometimes
	logger    *zap.Logger
	metrics   *internaltelemetry.RingMetrics
}

// New creates a ring of size slots that hands ready slots to consume. size
// must be a power of two.
func New(size int, consume Consumer, opts ...Option) (*RingBuffer, error) {
	if !bits.IsPowerOfTwo(size) {
		return nil, fmt.Errorf("%w: size must be a power of two, got %d", flushmanager.ErrCapacity, size)
	}
	if consume == nil {
		return nil, fmt.Errorf("%w: consumer cannot be nil", flushmanager.ErrCapacity)
	}
	rb := &RingBuffer{
		size:      int64(size),
		mask:      int64(size - 1),
		ready:     newReadySet(size),
		consume:   consume,
		notify:    make(chan struct{}),
		logErrors: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	rb.lastFree.Store(int64(size - 1))
	for _, opt := range opts {
		opt(rb)
	}
	if rb.logger == nil {
		rb.logger = zap.NewNop()
	}
	rb.logger = rb.logger.Named("ringbuffer")
	return rb, nil
}

// Size returns the number of slots.
func (rb *RingBuffer) Size() int { return int(rb.size) }

// Available returns how many slots can be allocated right now without a
// drain.
func (rb *RingBuffer) Available() int {
	return int(rb.lastFree.Load() - rb.firstFree.Load() + 1)
}

// ConsumeFailures returns how many consumer calls failed or panicked.
func (rb *RingBuffer) ConsumeFailures() uint64 { return rb.failures.Load() }

// State returns the current state of slot.
func (rb *RingBuffer) State(slot int) SlotState {
	if slot < 0 || int64(slot) >= rb.size {
		return Free
	}
	if s := rb.ready.state(slot); s != Free {
		return s
	}
	if rb.outstanding(slot) {
		return Reserved
	}
	return Free
}

// outstanding reports whether slot was handed out and not freed yet.
func (rb *RingBuffer) outstanding(slot int) bool {
	last := rb.lastFree.Load()
	first := rb.firstFree.Load()
	oldest := last + 1 - rb.size
	count := first - oldest
	return (int64(slot)-oldest)&rb.mask < count
}

// tryAllocate reserves the next slot if one is free.
func (rb *RingBuffer) tryAllocate() (int, bool) {
	for {
		candidate := rb.firstFree.Load()
		if candidate > rb.lastFree.Load() {
			return -1, false
		}
		if rb.firstFree.CompareAndSwap(candidate, candidate+1) {
			slot := int(candidate & rb.mask)
			rb.ready.reserve(slot)
			if rb.metrics != nil {
				rb.metrics.AllocationsCounter.Add(context.Background(), 1)
			}
			return slot, true
		}
	}
}

// Allocate reserves a slot and returns it. When no slot is free the caller
// drains the ring itself and, if that frees nothing, waits until a slot is
// freed.
func (rb *RingBuffer) Allocate() int {
	slot, _ := rb.AllocateContext(context.Background())
	return slot
}

// AllocateContext is Allocate with cancellation. It returns ctx.Err() if
// ctx is done while waiting for a free slot.
func (rb *RingBuffer) AllocateContext(ctx context.Context) (int, error) {
	for {
		if slot, ok := rb.tryAllocate(); ok {
			return slot, nil
		}

		rb.waiters.Add(1)
		rb.mu.Lock()
		wait := rb.notify
		rb.mu.Unlock()

		if slot, ok := rb.tryAllocate(); ok {
			rb.waiters.Add(-1)
			return slot, nil
		}
		if rb.Drain() > 0 {
			rb.waiters.Add(-1)
			continue
		}

		if rb.metrics != nil {
			rb.metrics.ProducerWaitsCounter.Add(ctx, 1)
		}
		select {
		case <-wait:
			rb.waiters.Add(-1)
		case <-ctx.Done():
			rb.waiters.Add(-1)
			return -1, ctx.Err()
		}
	}
}

// MarkReady publishes slot for consumption.
func (rb *RingBuffer) MarkReady(slot int) {
	if slot < 0 || int64(slot) >= rb.size {
		rb.logger.Warn("MarkReady called with slot out of range", zap.Int("slot", slot), zap.Int64("size", rb.size))
		return
	}
	rb.ready.markReady(slot)
	if rb.waiters.Load() > 0 {
		rb.wake()
	}
}

// wake releases every parked producer.
func (rb *RingBuffer) wake() {
	rb.mu.Lock()
	close(rb.notify)
	rb.notify = make(chan struct{})
	rb.mu.Unlock()
}

// Drain consumes every contiguous run of ready slots starting at the oldest
// outstanding one and returns how many slots were consumed. Only one Drain
// runs at a time; concurrent calls return 0 immediately.
func (rb *RingBuffer) Drain() int {
	if !rb.working.CompareAndSwap(0, 1) {
		// Record the miss before retrying so the running drainer, which
		// checks it after releasing the guard, cannot overlook it.
		rb.missed.Store(true)
		if !rb.working.CompareAndSwap(0, 1) {
			return 0
		}
	}

	total := 0
	for {
		n := rb.drainRun()
		if n == 0 {
			break
		}
		total += n
	}
	rb.working.Store(0)

	missed := rb.missed.Swap(false)
	if (total > 0 || missed) && rb.waiters.Load() > 0 {
		rb.wake()
	}
	if total > 0 && rb.metrics != nil {
		rb.metrics.ConsumedCounter.Add(context.Background(), int64(total))
	}
	return total
}

// drainRun consumes the ready prefix of the outstanding positions. Must be
// called holding the working guard.
func (rb *RingBuffer) drainRun() int {
	last := rb.lastFree.Load()
	first := rb.firstFree.Load()

	start := last + 1 - rb.size
	var n int64
	for pos := start; pos < first && rb.ready.isReady(int(pos&rb.mask)); pos++ {
		n++
	}
	if n == 0 {
		return 0
	}

	for i := int64(0); i < n; i++ {
		slot := int((start + i) & rb.mask)
		rb.consumeSlot(slot, i == n-1)
		rb.ready.release(slot)
	}
	rb.lastFree.Add(n)
	if rb.metrics != nil {
		rb.metrics.DrainPassesCounter.Add(context.Background(), 1)
	}
	return int(n)
}

func (rb *RingBuffer) consumeSlot(slot int, last bool) {
	defer func() {
		if r := recover(); r != nil {
			rb.consumeFailed(slot, last, fmt.Errorf("consumer panicked: %v", r))
		}
	}()
	if err := rb.consume(slot, last); err != nil {
		rb.consumeFailed(slot, last, err)
	}
}

func (rb *RingBuffer) consumeFailed(slot int, last bool, err error) {
	total := rb.failures.Add(1)
	if rb.metrics != nil {
		rb.metrics.ConsumeFailuresCounter.Add(context.Background(), 1)
	}
	rb.logErrors.Do(func() {
		rb.logger.Error("Consumer failed, slot freed anyway",
			zap.Int("slot", slot),
			zap.Bool("last", last),
			zap.Uint64("totalFailures", total),
			zap.Error(err),
		)
	})
}
