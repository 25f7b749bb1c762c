package bufferpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
	"github.com/sushant-115/hdbstore/core/write_engine/replacer"
	internaltelemetry "github.com/sushant-115/hdbstore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// BlockStore is where the pool loads blocks from.
type BlockStore interface {
	Register(filename string) (pagemanager.FileHandle, error)
	// ReadBlock fills frame, which is exactly one block long.
	ReadBlock(file pagemanager.FileHandle, block uint32, frame []byte) error
}

// cachedBlock is the pinned-set entry of a block. A cachedBlock whose pin
// count dropped to zero and that was removed from the pinned set is never
// pinned again; a fresh entry is created instead.
type cachedBlock struct {
	id    pagemanager.BlockID
	frame int
	pins  atomic.Int32
}

// tryPin increments the pin count unless it already reached zero.
func (cb *cachedBlock) tryPin() bool {
	for {
		p := cb.pins.Load()
		if p <= 0 {
			return false
		}
		if cb.pins.CompareAndSwap(p, p+1) {
			return true
		}
	}
}

// unpin decrements the pin count if positive and returns the new count.
func (cb *cachedBlock) unpin() (int32, bool) {
	for {
		p := cb.pins.Load()
		if p <= 0 {
			return 0, false
		}
		if cb.pins.CompareAndSwap(p, p-1) {
			return p - 1, true
		}
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Pinned    int // blocks in the pinned set
	Resident  int // blocks cached in a frame, pinned or not
}

// Option configures a BufferPoolManager.
type Option func(*BufferPoolManager)

// WithMetrics records pool activity in m.
func WithMetrics(m *internaltelemetry.BufferPoolMetrics) Option {
	return func(bpm *BufferPoolManager) { bpm.metrics = m }
}

// WithTracer traces block loads with tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(bpm *BufferPoolManager) { bpm.tracer = tracer }
}

// BufferPoolManager caches blocks of a BlockStore in a fixed number of
// frames. Unpinned blocks are replaced in LRU order; pinned blocks are never
// replaced.
//
// Pinning a block that is already pinned only touches the pinned set. Every
// other transition happens under mu, including the block load itself, so
// concurrent misses are served one at a time.
type BufferPoolManager struct {
	id     string
	cfg    Config
	store  BlockStore
	logger *zap.Logger

	frames  [][]byte
	scratch []byte // staging buffer for loads, guarded by mu

	mu       sync.Mutex
	lru      *replacer.LRU[uint64]
	pinned   *xsync.MapOf[uint64, *cachedBlock]
	released chan struct{} // closed and replaced when a frame returns to the ring
	waiters  int
	closed   bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	metrics *internaltelemetry.BufferPoolMetrics
	tracer  trace.Tracer
	attrs   metric.MeasurementOption
}

// NewBufferPoolManager creates a pool of cfg.Capacity frames over store.
func NewBufferPoolManager(cfg Config, store BlockStore, logger *zap.Logger, opts ...Option) (*BufferPoolManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: block store cannot be nil", flushmanager.ErrInvalidPoolConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	bpm := &BufferPoolManager{
		id:       uuid.NewString(),
		cfg:      cfg,
		store:    store,
		frames:   make([][]byte, cfg.Capacity),
		scratch:  make([]byte, cfg.BlockSize),
		pinned:   xsync.NewMapOf[uint64, *cachedBlock](),
		released: make(chan struct{}),
		tracer:   nooptrace.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(bpm)
	}
	bpm.logger = logger.Named("buffer_pool").With(zap.String("poolID", bpm.id))
	bpm.attrs = metric.WithAttributes(attribute.String("pool_id", bpm.id))

	backing := make([]byte, cfg.Capacity*cfg.BlockSize)
	for i := range bpm.frames {
		bpm.frames[i] = backing[i*cfg.BlockSize : (i+1)*cfg.BlockSize : (i+1)*cfg.BlockSize]
	}
	bpm.lru = replacer.New(cfg.Capacity, replacer.WithEvictCallback(bpm.onEvict))

	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("capacity", cfg.Capacity),
		zap.Int("blockSize", cfg.BlockSize),
		zap.String("fullPolicy", string(cfg.FullPolicy)),
	)
	return bpm, nil
}

// onEvict runs under mu when an unpinned block loses its frame.
func (bpm *BufferPoolManager) onEvict(key uint64, frame int) {
	bpm.evictions.Add(1)
	if bpm.metrics != nil {
		bpm.metrics.EvictionsCounter.Add(context.Background(), 1, bpm.attrs)
	}
	bpm.logger.Debug("Evicting block", zap.Stringer("block", pagemanager.BlockIDFromKey(key)), zap.Int("frame", frame))
}

// ID returns the instance id of the pool.
func (bpm *BufferPoolManager) ID() string { return bpm.id }

// Config returns the effective configuration.
func (bpm *BufferPoolManager) Config() Config { return bpm.cfg }

// Register registers filename with the block store.
func (bpm *BufferPoolManager) Register(filename string) (pagemanager.FileHandle, error) {
	h, err := bpm.store.Register(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to register %s: %w", filename, err)
	}
	return h, nil
}

// Pin makes block of file resident and pinned, loading it from the block
// store when needed, and returns a view over its frame. The caller must
// Release the returned block.
func (bpm *BufferPoolManager) Pin(ctx context.Context, file pagemanager.FileHandle, block uint32) (*PinnedBlock, error) {
	id := pagemanager.BlockID{File: file, Block: block}
	key := id.Key()

	if cb, ok := bpm.pinned.Load(key); ok && cb.tryPin() {
		bpm.recordHit(ctx)
		return bpm.newPinnedBlock(cb), nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cb, wait, err := bpm.pinSlow(ctx, id)
		if err != nil {
			return nil, err
		}
		if cb != nil {
			return bpm.newPinnedBlock(cb), nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pinSlow pins id under mu. When every frame is pinned and the policy is
// Wait, it returns a channel that is closed once a frame is released.
func (bpm *BufferPoolManager) pinSlow(ctx context.Context, id pagemanager.BlockID) (*cachedBlock, <-chan struct{}, error) {
	key := id.Key()
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bpm.closed {
		return nil, nil, flushmanager.ErrBufferPoolClosed
	}

	// Pinned meanwhile, or its count just dropped to zero and the unpinner
	// is still waiting for mu. Removal only happens under mu, so the entry
	// is still valid.
	if cb, ok := bpm.pinned.Load(key); ok {
		cb.pins.Add(1)
		bpm.recordHit(ctx)
		return cb, nil, nil
	}

	resident := bpm.lru.Contains(key)
	if !resident {
		if bpm.lru.Len() == 0 {
			return bpm.full(id)
		}
		// Read before a frame is taken, so a failed load leaves the ring
		// and its resident blocks untouched.
		if err := bpm.load(ctx, id, bpm.scratch); err != nil {
			return nil, nil, err
		}
	}

	frame, hit, ok := bpm.lru.Detach(key)
	if !ok {
		return bpm.full(id)
	}
	if hit {
		bpm.recordHit(ctx)
	} else {
		copy(bpm.frames[frame], bpm.scratch)
	}

	cb := &cachedBlock{id: id, frame: frame}
	cb.pins.Store(1)
	bpm.pinned.Store(key, cb)
	if bpm.metrics != nil {
		bpm.metrics.PinnedUpDownCounter.Add(ctx, 1, bpm.attrs)
	}
	return cb, nil, nil
}

// full applies the full pool policy. Must be called with mu held.
func (bpm *BufferPoolManager) full(id pagemanager.BlockID) (*cachedBlock, <-chan struct{}, error) {
	if bpm.cfg.FullPolicy == Wait {
		bpm.waiters++
		bpm.logger.Debug("All frames pinned, waiting for a release", zap.Stringer("block", id))
		return nil, bpm.released, nil
	}
	bpm.logger.Warn("Buffer pool is full, all frames are pinned", zap.Stringer("block", id))
	return nil, nil, fmt.Errorf("%w: cannot pin block %s", flushmanager.ErrBufferPoolFull, id)
}

// load reads id into dst. Must be called with mu held.
func (bpm *BufferPoolManager) load(ctx context.Context, id pagemanager.BlockID, dst []byte) error {
	_, span := bpm.tracer.Start(ctx, "bufferpool.load", trace.WithAttributes(
		attribute.Int64("file", int64(id.File)),
		attribute.Int64("block", int64(id.Block)),
	))
	defer span.End()

	bpm.misses.Add(1)
	start := time.Now()
	err := bpm.store.ReadBlock(id.File, id.Block, dst)
	if bpm.metrics != nil {
		bpm.metrics.MissesCounter.Add(ctx, 1, bpm.attrs)
		bpm.metrics.LoadLatencyHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, bpm.attrs)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		bpm.logger.Error("Failed to load block", zap.Stringer("block", id), zap.Error(err))
		return fmt.Errorf("failed to load block %s: %w", id, err)
	}
	bpm.logger.Debug("Loaded block", zap.Stringer("block", id))
	return nil
}

func (bpm *BufferPoolManager) recordHit(ctx context.Context) {
	bpm.hits.Add(1)
	if bpm.metrics != nil {
		bpm.metrics.HitsCounter.Add(ctx, 1, bpm.attrs)
	}
}

// Unpin drops one pin of block. When no pins remain the block goes back to
// the LRU ring as the most recently used one. Unpinning a block that is not
// pinned does nothing.
func (bpm *BufferPoolManager) Unpin(file pagemanager.FileHandle, block uint32) {
	key := pagemanager.BlockID{File: file, Block: block}.Key()
	if cb, ok := bpm.pinned.Load(key); ok {
		bpm.unpinBlock(cb)
	}
}

func (bpm *BufferPoolManager) unpinBlock(cb *cachedBlock) {
	left, ok := cb.unpin()
	if !ok || left > 0 {
		return
	}

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	key := cb.id.Key()
	// Someone pinned it again before we got mu, or another unpinner
	// already released it.
	if cb.pins.Load() != 0 {
		return
	}
	if cur, ok := bpm.pinned.Load(key); !ok || cur != cb {
		return
	}
	bpm.pinned.Delete(key)
	bpm.lru.Attach(key)
	if bpm.metrics != nil {
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), -1, bpm.attrs)
	}
	if bpm.waiters > 0 {
		close(bpm.released)
		bpm.released = make(chan struct{})
		bpm.waiters = 0
	}
}

// PinCount returns the number of pins held on block.
func (bpm *BufferPoolManager) PinCount(file pagemanager.FileHandle, block uint32) int {
	key := pagemanager.BlockID{File: file, Block: block}.Key()
	if cb, ok := bpm.pinned.Load(key); ok {
		return int(cb.pins.Load())
	}
	return 0
}

// Stats returns a snapshot of the pool counters.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	resident := bpm.lru.Bound()
	bpm.mu.Unlock()
	return Stats{
		Capacity:  bpm.cfg.Capacity,
		Hits:      bpm.hits.Load(),
		Misses:    bpm.misses.Load(),
		Evictions: bpm.evictions.Load(),
		Pinned:    bpm.pinned.Size(),
		Resident:  resident,
	}
}

// Close rejects further pins that need the slow path and wakes waiting
// pinners. Blocks still pinned stay readable until released.
func (bpm *BufferPoolManager) Close() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil
	}
	bpm.closed = true
	close(bpm.released)
	bpm.released = make(chan struct{})
	bpm.waiters = 0
	if n := bpm.pinned.Size(); n > 0 {
		bpm.logger.Warn("BufferPoolManager closed with pinned blocks", zap.Int("pinned", n))
	}
	bpm.logger.Info("BufferPoolManager closed",
		zap.Uint64("hits", bpm.hits.Load()),
		zap.Uint64("misses", bpm.misses.Load()),
		zap.Uint64("evictions", bpm.evictions.Load()),
	)
	return nil
}
