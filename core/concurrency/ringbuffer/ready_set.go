package ringbuffer

import (
	"sync/atomic"

	"github.com/sushant-115/hdbstore/internal/bits"
)

// SlotState is the lifecycle state of a slot within one cycle.
type SlotState uint32

const (
	// Free slots can be handed out by Allocate.
	Free SlotState = iota
	// Reserved slots were handed out and are being filled by their producer.
	Reserved
	// Ready slots wait to be consumed by Drain.
	Ready
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// readySet tracks which slots are ready. A slot is only written by the
// producer that reserved it and by the single active drainer, never by two
// goroutines at once, but neighbouring slots may change concurrently.
type readySet interface {
	reserve(slot int)
	markReady(slot int)
	isReady(slot int) bool
	release(slot int)
	// state returns Ready, or the best state the set can tell apart
	// otherwise. Packed sets cannot tell Reserved from Free.
	state(slot int) SlotState
}

// maxPackedSlots is the largest ring whose ready set fits one word.
const maxPackedSlots = 32

func newReadySet(size int) readySet {
	if size <= maxPackedSlots {
		return &packedSet{}
	}
	return &stateTable{states: make([]atomic.Uint32, size)}
}

// packedSet keeps one ready bit per slot in a single word. Bits are flipped
// with CAS because neighbouring slots belong to different goroutines.
type packedSet struct {
	word atomic.Uint32
}

func (p *packedSet) update(fn func(uint32) uint32) {
	for {
		old := p.word.Load()
		if p.word.CompareAndSwap(old, fn(old)) {
			return
		}
	}
}

func (p *packedSet) reserve(slot int) {
	p.update(func(w uint32) uint32 { return bits.Clear(w, uint(slot)) })
}

func (p *packedSet) markReady(slot int) {
	p.update(func(w uint32) uint32 { return bits.Set(w, uint(slot)) })
}

func (p *packedSet) isReady(slot int) bool {
	return bits.IsSet(p.word.Load(), uint(slot))
}

func (p *packedSet) release(slot int) { p.reserve(slot) }

func (p *packedSet) state(slot int) SlotState {
	if p.isReady(slot) {
		return Ready
	}
	return Free
}

// String renders the ready bits, slot 0 rightmost.
func (p *packedSet) String() string {
	return bits.String(p.word.Load())
}

// stateTable stores a SlotState per slot.
type stateTable struct {
	states []atomic.Uint32
}

func (t *stateTable) reserve(slot int)   { t.states[slot].Store(uint32(Reserved)) }
func (t *stateTable) markReady(slot int) { t.states[slot].Store(uint32(Ready)) }
func (t *stateTable) release(slot int)   { t.states[slot].Store(uint32(Free)) }

func (t *stateTable) isReady(slot int) bool {
	return SlotState(t.states[slot].Load()) == Ready
}

func (t *stateTable) state(slot int) SlotState {
	return SlotState(t.states[slot].Load())
}
