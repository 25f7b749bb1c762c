package bufferpool

import (
	"sync/atomic"

	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
)

// PinnedBlock is a pinned block handed out by Pin. The embedded Frame is a
// view over the pool frame and must not be used after Release.
//
//	pb, err := pool.Pin(ctx, file, 3)
//	if err != nil {
//		return err
//	}
//	defer pb.Release()
type PinnedBlock struct {
	pagemanager.Frame

	pool     *BufferPoolManager
	cb       *cachedBlock
	released atomic.Bool
}

func (bpm *BufferPoolManager) newPinnedBlock(cb *cachedBlock) *PinnedBlock {
	return &PinnedBlock{
		Frame: pagemanager.NewFrame(bpm.frames[cb.frame]),
		pool:  bpm,
		cb:    cb,
	}
}

// ID returns the block identity.
func (pb *PinnedBlock) ID() pagemanager.BlockID { return pb.cb.id }

// FrameIndex returns the index of the frame holding the block.
func (pb *PinnedBlock) FrameIndex() int { return pb.cb.frame }

// Release drops the pin taken by Pin. Calling it more than once is safe.
func (pb *PinnedBlock) Release() {
	if pb.released.CompareAndSwap(false, true) {
		pb.pool.unpinBlock(pb.cb)
	}
}
