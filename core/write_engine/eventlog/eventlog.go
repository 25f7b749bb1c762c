// Package eventlog batches short log events in memory and appends them to a
// file in bulk.
//
// Callers stage events through a slot allocator; a background flusher (or an
// explicit Flush) drains the staged events in order, renders one line per
// event into a fixed buffer and appends the buffer to the file when it fills
// up and once at the end of every drained run.
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/hdbstore/core/concurrency/ringbuffer"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/hdbstore/internal/telemetry"
	"go.uber.org/zap"
)

// Level is the severity of an event.
type Level uint8

const (
	LevelInfo Level = iota
	LevelWarn
	LevelFail
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// levelTags are written between the timestamp and the message.
var levelTags = [...][]byte{
	LevelInfo: []byte(" INFO "),
	LevelWarn: []byte(" WARN "),
	LevelFail: []byte(" FAIL "),
}

// TimestampLayout renders event times, always in UTC, 24 bytes long.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Appender appends bytes at the end of a file.
type Appender interface {
	Append(file pagemanager.FileHandle, p []byte) error
}

type event struct {
	at    time.Time
	level Level
	msg   string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now as the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRingMetrics records the activity of the underlying slot allocator.
func WithRingMetrics(m *internaltelemetry.RingMetrics) Option {
	return func(s *Service) { s.ringMetrics = m }
}

// Service is the batching event log. Info, Warn and Fail are safe for
// concurrent use.
type Service struct {
	id       string
	cfg      Config
	appender Appender
	file     pagemanager.FileHandle
	logger   *zap.Logger
	now      func() time.Time

	ring        *ringbuffer.RingBuffer
	ringMetrics *internaltelemetry.RingMetrics
	events      []event

	// Owned by the consumer; Drain never runs concurrently with itself.
	buf   []byte
	stamp []byte

	appends      atomic.Uint64
	appendErrors atomic.Uint64
	closing      atomic.Bool

	// Producers hold the read lock while staging so Close can wait for them.
	mu       sync.RWMutex
	closed   bool
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Service appending to file through appender. Call Start to
// flush periodically, and Close to flush what is left.
func New(appender Appender, file pagemanager.FileHandle, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if appender == nil {
		return nil, fmt.Errorf("%w: appender cannot be nil", flushmanager.ErrInvalidEventLogCfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		id:       uuid.NewString(),
		cfg:      cfg,
		appender: appender,
		file:     file,
		now:      time.Now,
		events:   make([]event, cfg.Slots),
		buf:      make([]byte, 0, cfg.BufferSize),
		stamp:    make([]byte, 0, len(TimestampLayout)),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.Named("eventlog").With(zap.String("eventLogID", s.id))

	ringOpts := []ringbuffer.Option{ringbuffer.WithLogger(s.logger)}
	if s.ringMetrics != nil {
		ringOpts = append(ringOpts, ringbuffer.WithMetrics(s.ringMetrics))
	}
	ring, err := ringbuffer.New(cfg.Slots, s.consume, ringOpts...)
	if err != nil {
		return nil, err
	}
	s.ring = ring

	s.logger.Info("Event log initialized",
		zap.Int("slots", cfg.Slots),
		zap.Int("bufferSize", cfg.BufferSize),
		zap.Duration("flushInterval", cfg.FlushInterval),
	)
	return s, nil
}

// Info stages an INFO event.
func (s *Service) Info(msg string) { s.logOrDrop(LevelInfo, msg) }

// Warn stages a WARN event.
func (s *Service) Warn(msg string) { s.logOrDrop(LevelWarn, msg) }

// Fail stages a FAIL event.
func (s *Service) Fail(msg string) { s.logOrDrop(LevelFail, msg) }

func (s *Service) logOrDrop(level Level, msg string) {
	if err := s.Log(context.Background(), level, msg); err != nil {
		s.logger.Debug("Dropped event", zap.Stringer("level", level), zap.Error(err))
	}
}

// Log stages an event at level. It blocks while every slot is taken and
// nothing can be drained, until ctx is done.
func (s *Service) Log(ctx context.Context, level Level, msg string) error {
	if int(level) >= len(levelTags) {
		return fmt.Errorf("unknown event level %d", level)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return flushmanager.ErrEventLogClosed
	}

	slot, err := s.ring.AllocateContext(ctx)
	if err != nil {
		return err
	}
	s.events[slot] = event{at: s.now(), level: level, msg: msg}
	s.ring.MarkReady(slot)
	return nil
}

// consume renders the event in slot. Runs under the ring's drain guard.
func (s *Service) consume(slot int, last bool) error {
	ev := &s.events[slot]
	defer func() { ev.msg = "" }()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.stamp = ev.at.UTC().AppendFormat(s.stamp[:0], TimestampLayout)
	keep(s.transfer(s.stamp, false))
	keep(s.transfer(levelTags[ev.level], false))
	keep(s.transfer([]byte(ev.msg), false))
	keep(s.transfer([]byte{'\n'}, last))
	return firstErr
}

// transfer copies p into the buffer, appending the buffer to the file each
// time it fills up, and once more at the end when flush is set.
func (s *Service) transfer(p []byte, flush bool) error {
	var firstErr error
	for len(p) > 0 {
		room := cap(s.buf) - len(s.buf)
		if room == 0 {
			if err := s.appendBuffer(); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		n := min(room, len(p))
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
	}
	if flush {
		if err := s.appendBuffer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// appendBuffer hands the buffer to the appender and empties it. The buffer
// is emptied even if the append fails.
func (s *Service) appendBuffer() error {
	if len(s.buf) == 0 {
		return nil
	}
	err := s.appender.Append(s.file, s.buf)
	s.buf = s.buf[:0]
	s.appends.Add(1)
	if err != nil {
		s.appendErrors.Add(1)
		return fmt.Errorf("failed to append event batch: %w", err)
	}
	return nil
}

// Flush drains every staged event that is ready and returns how many were
// written.
func (s *Service) Flush() int {
	return s.ring.Drain()
}

// Start launches the background flusher. Calling it again is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.flusher()
}

func (s *Service) flusher() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.logger.Debug("Event log flusher stopping")
			return
		case <-ticker.C:
			if n := s.ring.Drain(); n > 0 {
				s.logger.Debug("Flushed events", zap.Int("events", n))
			}
		}
	}
}

// Stats reports how many appends were issued and how many failed.
func (s *Service) Stats() (appends, failed uint64) {
	return s.appends.Load(), s.appendErrors.Load()
}

// ShutdownMessage is the WARN event Close stages before the final drain.
const ShutdownMessage = "shutting down event log"

// Close stages a ShutdownMessage event, stops accepting events, waits for
// in-flight ones, stops the flusher and writes everything still staged.
func (s *Service) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.Warn(ShutdownMessage)

	s.mu.Lock()
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.stopChan)
		s.wg.Wait()
	}

	// No producers and no flusher are left, so Drain cannot lose its guard.
	n := s.ring.Drain()
	_, failed := s.Stats()
	s.logger.Info("Event log closed", zap.Int("finalEvents", n), zap.Uint64("failedAppends", failed))
	if s.ring.Available() != s.ring.Size() {
		return fmt.Errorf("event log closed with %d staged events not written", s.ring.Size()-s.ring.Available())
	}
	return nil
}
