package eventlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/hdbstore/internal/telemetry"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

// memAppender keeps every append separately.
type memAppender struct {
	mu      sync.Mutex
	batches [][]byte
	failNth int // 1-based index of the append that fails, 0 for none
}

func (m *memAppender) Append(_ pagemanager.FileHandle, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, bytes.Clone(p))
	if m.failNth == len(m.batches) {
		return errors.New("device full")
	}
	return nil
}

func (m *memAppender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *memAppender) content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(bytes.Join(m.batches, nil))
}

var fixedTime = time.Date(2024, 3, 5, 4, 8, 9, 123_456_789, time.FixedZone("BRT", -3*60*60))

func setupService(t *testing.T, cfg Config, app Appender) *Service {
	t.Helper()
	metrics, err := internaltelemetry.NewRingMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	s, err := New(app, 1, cfg, zaptest.NewLogger(t),
		WithClock(func() time.Time { return fixedTime }),
		WithRingMetrics(metrics),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// --- Test Cases ---

func TestEventLog_LineFormat(t *testing.T) {
	app := &memAppender{}
	s := setupService(t, Config{}, app)

	s.Info("started")
	s.Warn("disk almost full")
	s.Fail("olá, falhou")
	require.Equal(t, 3, s.Flush())

	want := "2024-03-05T07:08:09.123Z INFO started\n" +
		"2024-03-05T07:08:09.123Z WARN disk almost full\n" +
		"2024-03-05T07:08:09.123Z FAIL olá, falhou\n"
	assert.Equal(t, want, app.content())
	assert.Equal(t, 1, app.count(), "one run, one append")
	assert.Len(t, fixedTime.UTC().Format(TimestampLayout), 24)
}

func TestEventLog_BufferFullAppendsMidCopy(t *testing.T) {
	app := &memAppender{}
	s := setupService(t, Config{BufferSize: 32}, app)

	// Each line is 24 + 6 + 10 + 1 = 41 bytes.
	for i := 0; i < 3; i++ {
		s.Info(fmt.Sprintf("event-%04d", i))
	}
	require.Equal(t, 3, s.Flush())

	// 123 bytes through a 32 byte buffer.
	assert.Equal(t, 4, app.count())
	for i, b := range app.batches[:3] {
		assert.Len(t, b, 32, "batch %d", i)
	}
	lines := strings.Split(strings.TrimSuffix(app.content(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2024-03-05T07:08:09.123Z INFO event-0002", lines[2])
}

func TestEventLog_OneAppendPerRun(t *testing.T) {
	app := &memAppender{}
	s := setupService(t, Config{}, app)

	s.Info("a")
	s.Info("b")
	require.Equal(t, 2, s.Flush())
	assert.Equal(t, 1, app.count())

	require.Equal(t, 0, s.Flush())
	assert.Equal(t, 1, app.count(), "nothing staged, nothing appended")

	s.Warn("c")
	require.Equal(t, 1, s.Flush())
	assert.Equal(t, 2, app.count())

	appends, failed := s.Stats()
	assert.Equal(t, uint64(2), appends)
	assert.Zero(t, failed)
}

func TestEventLog_AppendFailureDoesNotStopLaterEvents(t *testing.T) {
	app := &memAppender{failNth: 1}
	s := setupService(t, Config{}, app)

	s.Info("lost")
	require.Equal(t, 1, s.Flush())
	s.Info("kept")
	require.Equal(t, 1, s.Flush())

	_, failed := s.Stats()
	assert.Equal(t, uint64(1), failed)
	assert.True(t, strings.HasSuffix(app.content(), " INFO kept\n"))
}

func TestEventLog_BackgroundFlusher(t *testing.T) {
	app := &memAppender{}
	s := setupService(t, Config{FlushInterval: 5 * time.Millisecond}, app)
	s.Start()
	s.Start()

	s.Info("from the flusher")
	require.Eventually(t, func() bool {
		return strings.Contains(app.content(), "from the flusher")
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEventLog_CloseWritesStagedEventsAndRejectsNew(t *testing.T) {
	app := &memAppender{}
	s := setupService(t, Config{FlushInterval: time.Hour}, app)
	s.Start()

	s.Info("last words")
	require.NoError(t, s.Close())
	assert.True(t, strings.HasSuffix(app.content(),
		" INFO last words\n2024-03-05T07:08:09.123Z WARN "+ShutdownMessage+"\n"), app.content())

	err := s.Log(context.Background(), LevelInfo, "too late")
	require.ErrorIs(t, err, flushmanager.ErrEventLogClosed)
	s.Info("also too late")
	require.NoError(t, s.Close())
	assert.NotContains(t, app.content(), "too late")
	assert.Equal(t, 1, strings.Count(app.content(), ShutdownMessage), "a second Close stages nothing")
}

func TestEventLog_ConcurrentProducersWithoutFlusher(t *testing.T) {
	app := &memAppender{}
	s := setupService(t, Config{Slots: 8, BufferSize: 256}, app)

	const producers = 8
	const perProducer = 500
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				if err := s.Log(context.Background(), LevelWarn, fmt.Sprintf("p%d-%d", p, i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSuffix(app.content(), "\n"), "\n")
	require.Len(t, lines, producers*perProducer+1)
	assert.Equal(t, "2024-03-05T07:08:09.123Z WARN "+ShutdownMessage, lines[len(lines)-1])
	lines = lines[:len(lines)-1]
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "2024-03-05T07:08:09.123Z WARN p"), line)
		seen[line] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestEventLog_WithDiskManager(t *testing.T) {
	dm, err := flushmanager.NewDiskManager(pagemanager.DefaultBlockSize, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer dm.Close()
	path := filepath.Join(t.TempDir(), "events.log")
	h, err := dm.Register(path)
	require.NoError(t, err)

	s, err := New(dm, h, Config{}, zaptest.NewLogger(t), WithClock(func() time.Time { return fixedTime }))
	require.NoError(t, err)
	s.Info("one")
	s.Fail("two")
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T07:08:09.123Z INFO one\n"+
		"2024-03-05T07:08:09.123Z FAIL two\n"+
		"2024-03-05T07:08:09.123Z WARN shutting down event log\n", string(got))
}

func TestEventLog_InvalidConfig(t *testing.T) {
	_, err := New(&memAppender{}, 1, Config{Slots: 3}, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidEventLogCfg)
	_, err = New(&memAppender{}, 1, Config{BufferSize: -1}, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidEventLogCfg)
	_, err = New(nil, 1, Config{}, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidEventLogCfg)

	s := setupService(t, Config{}, &memAppender{})
	require.Error(t, s.Log(context.Background(), Level(9), "?"))
	assert.Equal(t, "FAIL", LevelFail.String())
}
