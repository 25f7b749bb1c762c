package bufferpool

import (
	"fmt"

	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
)

// FullPolicy decides what Pin does when every frame is pinned.
type FullPolicy string

const (
	// FailFast returns ErrBufferPoolFull immediately.
	FailFast FullPolicy = "fail_fast"
	// Wait blocks until a frame is released or the context is done.
	Wait FullPolicy = "wait"
)

// DefaultCapacity is the number of frames used when Config.Capacity is zero.
const DefaultCapacity = 128

// Config holds the buffer pool configuration.
type Config struct {
	// Capacity is the number of frames in the pool.
	Capacity int `yaml:"capacity"`
	// BlockSize is the size in bytes of each frame. It must match the
	// block size of the block store.
	BlockSize int `yaml:"block_size"`
	// FullPolicy is "fail_fast" (default) or "wait".
	FullPolicy FullPolicy `yaml:"full_policy"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Capacity:   DefaultCapacity,
		BlockSize:  pagemanager.DefaultBlockSize,
		FullPolicy: FailFast,
	}
}

// withDefaults fills zero fields with their defaults.
func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BlockSize == 0 {
		c.BlockSize = pagemanager.DefaultBlockSize
	}
	if c.FullPolicy == "" {
		c.FullPolicy = FailFast
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be at least 1, got %d", flushmanager.ErrInvalidPoolConfig, c.Capacity)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("%w: block size must be positive, got %d", flushmanager.ErrInvalidPoolConfig, c.BlockSize)
	}
	switch c.FullPolicy {
	case FailFast, Wait:
	default:
		return fmt.Errorf("%w: unknown full policy %q", flushmanager.ErrInvalidPoolConfig, c.FullPolicy)
	}
	return nil
}
