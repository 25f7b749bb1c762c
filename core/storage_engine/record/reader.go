// Package record reads values that may cross block boundaries. The buffer
// pool only exposes one frame at a time; Reader stitches consecutive blocks
// together and addresses a file by absolute byte offset.
package record

import (
	"context"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	bufferpool "github.com/sushant-115/hdbstore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
	"golang.org/x/time/rate"
)

// Pinner is the part of the buffer pool a Reader needs.
type Pinner interface {
	Pin(ctx context.Context, file pagemanager.FileHandle, block uint32) (*bufferpool.PinnedBlock, error)
}

// DefaultMaxStringLen bounds the length prefix String accepts.
const DefaultMaxStringLen = 1 << 20

// Option configures a Reader.
type Option func(*Reader)

// WithMaxStringLen caps the length prefix String trusts before allocating.
// Zero or negative keeps DefaultMaxStringLen.
func WithMaxStringLen(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxString = n
		}
	}
}

// WithRateLimit throttles reads to bytesPerSec. Zero or negative disables it.
func WithRateLimit(bytesPerSec int) Option {
	return func(r *Reader) {
		if bytesPerSec <= 0 {
			r.limiter = nil
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, r.blockSize))
	}
}

// Reader reads through a buffer pool at absolute file offsets. Each block is
// pinned only while its bytes are copied out.
type Reader struct {
	pool      Pinner
	blockSize int
	limiter   *rate.Limiter
	maxString int
}

// NewReader returns a Reader over pool, whose frames are blockSize bytes.
func NewReader(pool Pinner, blockSize int, opts ...Option) *Reader {
	r := &Reader{pool: pool, blockSize: blockSize, maxString: DefaultMaxStringLen}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadAt fills p with the bytes of file starting at off. It returns the
// number of bytes copied before the first error.
func (r *Reader) ReadAt(ctx context.Context, file pagemanager.FileHandle, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", pagemanager.ErrOffsetOutOfRange, off)
	}
	bs := int64(r.blockSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		block, inner := uint32(pos/bs), int(pos%bs)

		if r.limiter != nil {
			want := min(len(p)-n, r.blockSize-inner)
			if err := r.limiter.WaitN(ctx, want); err != nil {
				return n, fmt.Errorf("rate limiter error: %w", err)
			}
		}

		pb, err := r.pool.Pin(ctx, file, block)
		if err != nil {
			return n, fmt.Errorf("reading block %d at offset %d: %w", block, pos, err)
		}
		n += copy(p[n:], pb.Bytes()[inner:])
		pb.Release()
	}
	return n, nil
}

// Int32 reads a big-endian int32 at off, wherever it falls relative to
// block boundaries.
func (r *Reader) Int32(ctx context.Context, file pagemanager.FileHandle, off int64) (int32, error) {
	var buf [4]byte
	if _, err := r.ReadAt(ctx, file, buf[:], off); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// String reads a length-prefixed UTF-8 string at off, in the encoding of
// pagemanager.Frame.PutString. Lengths above the reader's limit are rejected
// before any allocation.
func (r *Reader) String(ctx context.Context, file pagemanager.FileHandle, off int64) (string, error) {
	size, err := r.Int32(ctx, file, off)
	if err != nil {
		return "", err
	}
	if size < 0 {
		return "", fmt.Errorf("%w: negative length %d at offset %d", pagemanager.ErrInvalidString, size, off)
	}
	if int(size) > r.maxString {
		return "", fmt.Errorf("%w: length %d exceeds limit %d at offset %d", pagemanager.ErrInvalidString, size, r.maxString, off)
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(ctx, file, buf, off+4); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: offset %d", pagemanager.ErrInvalidString, off)
	}
	return string(buf), nil
}
