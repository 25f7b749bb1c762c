package ringbuffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/hdbstore/internal/telemetry"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

// counter records how many times each slot was consumed, the consumption
// order, and the positions in that order that carried last=true.
type counter struct {
	mu     sync.Mutex
	slots  []int
	order  []int
	lasts  int
	lastAt []int
}

func newCounter(size int) *counter {
	return &counter{slots: make([]int, size)}
}

func (c *counter) consume(slot int, last bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[slot]++
	c.order = append(c.order, slot)
	if last {
		c.lasts++
		c.lastAt = append(c.lastAt, len(c.order)-1)
	}
	return nil
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.slots {
		n += v
	}
	return n
}

func setupRing(t *testing.T, size int, consume Consumer) *RingBuffer {
	t.Helper()
	metrics, err := internaltelemetry.NewRingMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	rb, err := New(size, consume, WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics))
	require.NoError(t, err)
	return rb
}

// --- Test Cases ---

func TestRingBuffer_SizeMustBePowerOfTwo(t *testing.T) {
	for _, size := range []int{-1, 0, 3, 1000} {
		_, err := New(size, func(int, bool) error { return nil })
		require.ErrorIs(t, err, flushmanager.ErrCapacity, "size %d", size)
	}
	for _, size := range []int{1, 2, 32, DefaultSize} {
		rb, err := New(size, func(int, bool) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, size, rb.Size())
	}
	_, err := New(8, nil)
	require.ErrorIs(t, err, flushmanager.ErrCapacity)
}

func TestRingBuffer_InitialState(t *testing.T) {
	rb := setupRing(t, DefaultSize, newCounter(DefaultSize).consume)
	assert.Equal(t, DefaultSize, rb.Available())
	assert.Equal(t, Free, rb.State(0))
	assert.Equal(t, 0, rb.Drain(), "drain with nothing to do")
}

func TestRingBuffer_StateAfterTwoAllocations(t *testing.T) {
	rb := setupRing(t, DefaultSize, newCounter(DefaultSize).consume)
	assert.Equal(t, 0, rb.Allocate())
	assert.Equal(t, 1, rb.Allocate())
	assert.Equal(t, DefaultSize-2, rb.Available())
	assert.Equal(t, Reserved, rb.State(1))
	assert.Equal(t, Free, rb.State(2))
}

func TestRingBuffer_AllocateMarkDrain(t *testing.T) {
	c := newCounter(DefaultSize)
	rb := setupRing(t, DefaultSize, c.consume)

	slot := rb.Allocate()
	require.Equal(t, 0, slot)
	rb.MarkReady(slot)
	assert.Equal(t, Ready, rb.State(slot))

	assert.Equal(t, 1, rb.Drain())
	assert.Equal(t, DefaultSize, rb.Available())
	assert.Equal(t, Free, rb.State(0))
	assert.Equal(t, 1, c.lasts)
}

func TestRingBuffer_SequentialSlotsWrapAround(t *testing.T) {
	rb := setupRing(t, DefaultSize, newCounter(DefaultSize).consume)

	prev := rb.Allocate()
	rb.MarkReady(prev)
	for i := 0; i < 3000; i++ {
		next := rb.Allocate()
		rb.MarkReady(next)
		require.True(t, next >= 0 && next < DefaultSize)
		if prev == DefaultSize-1 {
			require.Equal(t, 0, next)
		} else {
			require.Equal(t, prev+1, next)
		}
		prev = next
	}
}

func TestRingBuffer_FillAndDrainAll(t *testing.T) {
	c := newCounter(DefaultSize)
	rb := setupRing(t, DefaultSize, c.consume)

	for i := 0; i < DefaultSize; i++ {
		require.Equal(t, i, rb.Allocate())
		rb.MarkReady(i)
	}
	assert.Equal(t, 0, rb.Available())

	assert.Equal(t, DefaultSize, rb.Drain())
	assert.Equal(t, DefaultSize, rb.Available())
	assert.Equal(t, 1, c.lasts, "one contiguous run, one last")
	assert.Equal(t, []int{DefaultSize - 1}, c.lastAt)
}

func TestRingBuffer_UnreadySlotsAreNotFreed(t *testing.T) {
	c := newCounter(DefaultSize)
	rb := setupRing(t, DefaultSize, c.consume)

	for i := 0; i < DefaultSize; i++ {
		slot := rb.Allocate()
		require.NotEqual(t, Ready, rb.State(slot))
	}
	assert.Equal(t, 0, rb.Drain())
	assert.Equal(t, 0, rb.Available())
	assert.Zero(t, c.total())
}

func TestRingBuffer_GapStopsDrainInOrder(t *testing.T) {
	c := newCounter(8)
	rb := setupRing(t, 8, c.consume)

	s0, s1, s2, s3 := rb.Allocate(), rb.Allocate(), rb.Allocate(), rb.Allocate()
	rb.MarkReady(s0)
	rb.MarkReady(s2)
	rb.MarkReady(s3)

	// s1 is not ready: only s0 can be consumed.
	assert.Equal(t, 1, rb.Drain())
	assert.Equal(t, []int{s0}, c.order)
	assert.Equal(t, Ready, rb.State(s2))

	rb.MarkReady(s1)
	assert.Equal(t, 3, rb.Drain())
	assert.Equal(t, []int{s0, s1, s2, s3}, c.order)
	assert.Equal(t, 2, c.lasts)
	// Each run closes on its final slot: s0 alone, then s3 after s1 and s2.
	assert.Equal(t, []int{0, 3}, c.lastAt)
}

func TestRingBuffer_WrapAroundReusesFreedSlot(t *testing.T) {
	c := newCounter(DefaultSize)
	rb := setupRing(t, DefaultSize, c.consume)

	for i := 0; i < DefaultSize; i++ {
		require.Equal(t, i, rb.Allocate())
	}
	assert.Equal(t, 0, rb.Available())

	rb.MarkReady(0)
	assert.Equal(t, 0, rb.Available())
	assert.Equal(t, 1, rb.Drain())
	assert.Equal(t, 1, rb.Available())

	require.Equal(t, 0, rb.Allocate())
	assert.Equal(t, 0, rb.Available())

	for i := 0; i < DefaultSize; i++ {
		rb.MarkReady(i)
	}
	// Exhausted: Allocate drains everything itself, then takes slot 1.
	require.Equal(t, 1, rb.Allocate())
	assert.Equal(t, DefaultSize-1, rb.Available())
	assert.Equal(t, DefaultSize+1, c.total())
}

func TestRingBuffer_ConsumerErrorsDoNotStopDrain(t *testing.T) {
	var consumed atomic.Int32
	rb := setupRing(t, DefaultSize, func(slot int, last bool) error {
		switch slot {
		case 0:
			return errors.New("disk on fire")
		case 1:
			panic("consumer bug")
		}
		consumed.Add(1)
		return nil
	})

	for i := 0; i < 4; i++ {
		rb.MarkReady(rb.Allocate())
	}
	assert.Equal(t, 4, rb.Drain())
	assert.Equal(t, int32(2), consumed.Load())
	assert.Equal(t, uint64(2), rb.ConsumeFailures())
	assert.Equal(t, DefaultSize, rb.Available(), "failed slots are freed")
}

func TestRingBuffer_PackedReadySet(t *testing.T) {
	c := newCounter(32)
	rb := setupRing(t, 32, c.consume)
	packed, ok := rb.ready.(*packedSet)
	require.True(t, ok, "32 slots use the packed set")

	for i := 0; i < 32; i++ {
		slot := rb.Allocate()
		if slot%2 == 0 {
			rb.MarkReady(slot)
		}
	}
	assert.Equal(t, "0101 0101 0101 0101 0101 0101 0101 0101", packed.String())
	assert.Equal(t, Reserved, rb.State(1))
	assert.Equal(t, Ready, rb.State(2))

	assert.Equal(t, 1, rb.Drain())
	assert.Equal(t, Free, rb.State(0))

	_, isTable := setupRing(t, 64, c.consume).ready.(*stateTable)
	assert.True(t, isTable)
}

func TestRingBuffer_ConcurrentProducersGetUniqueSlots(t *testing.T) {
	const producers = 20
	const perProducer = 3600

	c := newCounter(DefaultSize)
	rb := setupRing(t, DefaultSize, c.consume)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rb.Drain()
			}
		}
	}()

	// No slot may be held by two producers at once.
	var held [DefaultSize]atomic.Int32
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				slot, err := rb.AllocateContext(ctx)
				if err != nil {
					return err
				}
				if held[slot].Add(1) != 1 {
					return errors.New("slot handed out twice")
				}
				held[slot].Add(-1)
				rb.MarkReady(slot)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	cancel()
	<-drainerDone

	rb.Drain()
	assert.Equal(t, producers*perProducer, c.total())
	assert.Equal(t, DefaultSize, rb.Available())
}

func TestRingBuffer_DrainIsNotReentrant(t *testing.T) {
	var depth, maxDepth atomic.Int32
	rb := setupRing(t, 64, func(slot int, last bool) error {
		d := depth.Add(1)
		for {
			m := maxDepth.Load()
			if d <= m || maxDepth.CompareAndSwap(m, d) {
				break
			}
		}
		time.Sleep(10 * time.Microsecond)
		depth.Add(-1)
		return nil
	})

	var g errgroup.Group
	for w := 0; w < 20; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				rb.MarkReady(rb.Allocate())
				rb.Drain()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	rb.Drain()
	assert.Equal(t, int32(1), maxDepth.Load())
	assert.Equal(t, 64, rb.Available())
}

func TestRingBuffer_ExhaustedProducerWaitsForPublish(t *testing.T) {
	c := newCounter(4)
	rb := setupRing(t, 4, c.consume)

	slots := make([]int, 4)
	for i := range slots {
		slots[i] = rb.Allocate()
	}

	got := make(chan int, 1)
	go func() { got <- rb.Allocate() }()

	select {
	case s := <-got:
		t.Fatalf("Allocate returned slot %d while every slot was reserved", s)
	case <-time.After(50 * time.Millisecond):
	}

	// Publishing the oldest slot wakes the producer, which drains it itself.
	rb.MarkReady(slots[0])
	select {
	case s := <-got:
		assert.Equal(t, slots[0], s)
	case <-time.After(5 * time.Second):
		t.Fatal("parked producer was not woken")
	}
}

func TestRingBuffer_AllocateContextCancelled(t *testing.T) {
	rb := setupRing(t, 2, newCounter(2).consume)
	rb.Allocate()
	rb.Allocate()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	slot, err := rb.AllocateContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, slot)
}

func TestRingBuffer_MarkReadyOutOfRange(t *testing.T) {
	rb := setupRing(t, 4, newCounter(4).consume)
	rb.MarkReady(-1)
	rb.MarkReady(4)
	assert.Equal(t, 0, rb.Drain())
	assert.Equal(t, Free, rb.State(9))
}
