package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrFileNotRegistered  = errors.New("file handle not registered")
	ErrBufferPoolFull     = errors.New("buffer pool is full and no frames can be evicted")
	ErrBufferPoolClosed   = errors.New("buffer pool is closed")
	ErrInvalidBlockSize   = errors.New("frame length does not match block size")
	ErrIO                 = errors.New("i/o error")
	ErrCapacity           = errors.New("capacity must be a power of two")
	ErrInvalidPoolConfig  = errors.New("invalid buffer pool configuration")
	ErrDiskManagerClosed  = errors.New("disk manager is closed")
	ErrEventLogClosed     = errors.New("event log is closed")
	ErrInvalidEventLogCfg = errors.New("invalid event log configuration")
)
