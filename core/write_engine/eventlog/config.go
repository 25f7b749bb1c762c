package eventlog

import (
	"fmt"
	"time"

	"github.com/sushant-115/hdbstore/core/concurrency/ringbuffer"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	"github.com/sushant-115/hdbstore/internal/bits"
)

const (
	// DefaultBufferSize is the size of the batch buffer.
	DefaultBufferSize = 64 * 1024
	// DefaultFlushInterval is how often the background flusher drains.
	DefaultFlushInterval = time.Second
)

// Config holds the event log configuration.
type Config struct {
	// Path is the file events are appended to. Only used by callers that
	// register the file themselves.
	Path string `yaml:"path"`
	// Slots is the number of events that can be staged. Power of two.
	Slots int `yaml:"slots"`
	// BufferSize is the size in bytes of the batch buffer.
	BufferSize int `yaml:"buffer_size"`
	// FlushInterval is the period of the background flusher.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Path:          "hdbstore.log",
		Slots:         ringbuffer.DefaultSize,
		BufferSize:    DefaultBufferSize,
		FlushInterval: DefaultFlushInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Slots == 0 {
		c.Slots = ringbuffer.DefaultSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if !bits.IsPowerOfTwo(c.Slots) {
		return fmt.Errorf("%w: slots must be a power of two, got %d (next is %d)",
			flushmanager.ErrInvalidEventLogCfg, c.Slots, bits.NextPowerOfTwo(c.Slots))
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("%w: buffer size must be positive, got %d", flushmanager.ErrInvalidEventLogCfg, c.BufferSize)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("%w: flush interval must not be negative, got %s", flushmanager.ErrInvalidEventLogCfg, c.FlushInterval)
	}
	return nil
}
