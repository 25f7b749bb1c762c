// Package replacer implements the frame replacement policy of the buffer pool.
package replacer

import "fmt"

const nilIdx = -1

// node is one entry of the ring. Its index in LRU.nodes is also the index of
// the frame it owns, so a node never changes frames.
type node[K comparable] struct {
	key      K
	bound    bool // key is meaningful
	detached bool // removed from the ring (pinned)
	prev     int
	next     int
}

// LRU is a fixed-capacity recency ring. Every node owns one frame. Bound
// nodes map a key to their frame; the eviction candidate is always the tail.
// Nodes may be detached from the ring while their frame is in use and
// reattached afterwards; the ring itself never grows or shrinks.
//
// LRU is not safe for concurrent use.
type LRU[K comparable] struct {
	nodes   []node[K]
	index   map[K]int
	head    int // most recently used
	tail    int // least recently used
	inRing  int
	onEvict func(key K, frame int)
}

// Option configures an LRU.
type Option[K comparable] func(*LRU[K])

// WithEvictCallback registers fn to run whenever a bound key is unbound to
// make room for another.
func WithEvictCallback[K comparable](fn func(key K, frame int)) Option[K] {
	return func(l *LRU[K]) { l.onEvict = fn }
}

// New returns a ring of capacity unbound nodes. It panics if capacity < 1.
func New[K comparable](capacity int, opts ...Option[K]) *LRU[K] {
	if capacity < 1 {
		panic(fmt.Sprintf("replacer: capacity must be at least 1, got %d", capacity))
	}
	l := &LRU[K]{
		nodes:  make([]node[K], capacity),
		index:  make(map[K]int, capacity),
		head:   0,
		tail:   capacity - 1,
		inRing: capacity,
	}
	for i := range l.nodes {
		l.nodes[i].prev = i - 1
		l.nodes[i].next = i + 1
	}
	l.nodes[capacity-1].next = nilIdx
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cap returns the number of nodes (frames).
func (l *LRU[K]) Cap() int { return len(l.nodes) }

// Len returns the number of nodes currently in the ring (not detached).
func (l *LRU[K]) Len() int { return l.inRing }

// Bound returns the number of nodes bound to a key.
func (l *LRU[K]) Bound() int { return len(l.index) }

// Contains reports whether key is bound to a node, detached or not.
func (l *LRU[K]) Contains(key K) bool {
	_, ok := l.index[key]
	return ok
}

// Victim returns the key at the tail, the next one to be replaced.
func (l *LRU[K]) Victim() (K, bool) {
	var zero K
	if l.tail == nilIdx || !l.nodes[l.tail].bound {
		return zero, false
	}
	return l.nodes[l.tail].key, true
}

// Use marks key as most recently used and returns its frame. On a miss the
// tail node is rebound to key. ok is false only when every node is detached.
func (l *LRU[K]) Use(key K) (frame int, ok bool) {
	idx, _, ok := l.lookup(key)
	if !ok {
		return nilIdx, false
	}
	l.moveToFront(idx)
	return idx, true
}

// Detach works like Use but removes the node from the ring, so it cannot be
// replaced until Attach is called. hit reports whether key was
// already bound.
func (l *LRU[K]) Detach(key K) (frame int, hit bool, ok bool) {
	idx, hit, ok := l.lookup(key)
	if !ok {
		return nilIdx, false, false
	}
	if !l.nodes[idx].detached {
		l.unlink(idx)
		l.nodes[idx].detached = true
	}
	return idx, hit, true
}

// Attach returns key's detached node to the head of the ring. It is a no-op
// for unknown or already attached keys.
func (l *LRU[K]) Attach(key K) {
	idx, ok := l.index[key]
	if !ok || !l.nodes[idx].detached {
		return
	}
	l.nodes[idx].detached = false
	l.pushFront(idx)
}

// lookup resolves key to a node, rebinding the tail on a miss.
func (l *LRU[K]) lookup(key K) (idx int, hit bool, ok bool) {
	if idx, ok := l.index[key]; ok {
		return idx, true, true
	}
	if l.tail == nilIdx {
		return nilIdx, false, false
	}
	idx = l.tail
	n := &l.nodes[idx]
	if n.bound {
		old := n.key
		delete(l.index, old)
		if l.onEvict != nil {
			l.onEvict(old, idx)
		}
	}
	n.key, n.bound = key, true
	l.index[key] = idx
	return idx, false, true
}

func (l *LRU[K]) moveToFront(idx int) {
	if l.nodes[idx].detached || l.head == idx {
		return
	}
	l.unlink(idx)
	l.pushFront(idx)
}

func (l *LRU[K]) unlink(idx int) {
	n := &l.nodes[idx]
	if n.prev != nilIdx {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nilIdx {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nilIdx, nilIdx
	l.inRing--
}

func (l *LRU[K]) pushFront(idx int) {
	n := &l.nodes[idx]
	n.prev, n.next = nilIdx, l.head
	if l.head != nilIdx {
		l.nodes[l.head].prev = idx
	} else {
		l.tail = idx
	}
	l.head = idx
	l.inRing++
}
