package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// --- Block Identity ---

// DefaultBlockSize is the on-disk block size used unless configured otherwise.
const DefaultBlockSize = 4096

// FileHandle is the opaque handle a block store hands out for a registered file.
type FileHandle uint32

// BlockID identifies a block: the file it lives in and its block number.
type BlockID struct {
	File  FileHandle
	Block uint32
}

// Key packs the id into a single uint64 (file in the high half).
func (id BlockID) Key() uint64 {
	return uint64(id.File)<<32 | uint64(id.Block)
}

func (id BlockID) String() string {
	return fmt.Sprintf("%d:%d", id.File, id.Block)
}

// BlockIDFromKey reverses Key.
func BlockIDFromKey(key uint64) BlockID {
	return BlockID{File: FileHandle(key >> 32), Block: uint32(key)}
}

// --- Frame View ---

var (
	ErrOffsetOutOfRange = errors.New("offset outside frame")
	ErrValueSpansFrame  = errors.New("value spans past the end of the frame")
	ErrInvalidString    = errors.New("invalid string encoding in frame")
)

const int32Size = 4

// Frame is a read/write view over one frame of the buffer pool. It does not
// own the bytes; it is valid only while the block is pinned.
type Frame struct {
	data []byte
}

// NewFrame wraps data as a view.
func NewFrame(data []byte) Frame {
	return Frame{data: data}
}

func (f Frame) Bytes() []byte { return f.data }
func (f Frame) Size() int     { return len(f.data) }

// Remaining returns the number of bytes between offset and the end of the
// frame, or -1 when offset is outside it.
func (f Frame) Remaining(offset int) int {
	if offset < 0 || offset > len(f.data) {
		return -1
	}
	return len(f.data) - offset
}

func (f Frame) check(offset, n int) error {
	rem := f.Remaining(offset)
	if rem < 0 {
		return fmt.Errorf("%w: offset %d, frame size %d", ErrOffsetOutOfRange, offset, len(f.data))
	}
	if rem < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, %d remaining", ErrValueSpansFrame, n, offset, rem)
	}
	return nil
}

// Int32 reads a big-endian int32 at offset.
func (f Frame) Int32(offset int) (int32, error) {
	if err := f.check(offset, int32Size); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(f.data[offset:])), nil
}

// PutInt32 writes v big-endian at offset.
func (f Frame) PutInt32(offset int, v int32) error {
	if err := f.check(offset, int32Size); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(f.data[offset:], uint32(v))
	return nil
}

// String reads a length-prefixed UTF-8 string: an int32 byte length followed
// by that many bytes.
func (f Frame) String(offset int) (string, error) {
	n, err := f.Int32(offset)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%w: negative length %d at offset %d", ErrInvalidString, n, offset)
	}
	start := offset + int32Size
	if err := f.check(start, int(n)); err != nil {
		return "", err
	}
	raw := f.data[start : start+int(n)]
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: offset %d", ErrInvalidString, offset)
	}
	return string(raw), nil
}

// PutString writes s length-prefixed at offset and returns the number of
// bytes written.
func (f Frame) PutString(offset int, s string) (int, error) {
	if !utf8.ValidString(s) {
		return 0, ErrInvalidString
	}
	total := int32Size + len(s)
	if err := f.check(offset, total); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(f.data[offset:], uint32(len(s)))
	copy(f.data[offset+int32Size:], s)
	return total, nil
}

// StringSize is the encoded size of s as written by PutString.
func StringSize(s string) int {
	return int32Size + len(s)
}

// Zero clears the frame.
func (f Frame) Zero() {
	clear(f.data)
}
