package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sushant-115/hdbstore/core/storage_engine/record"
	bufferpool "github.com/sushant-115/hdbstore/core/write_engine/buffer_pool"
	"github.com/sushant-115/hdbstore/core/write_engine/eventlog"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/hdbstore/internal/telemetry"
	"github.com/sushant-115/hdbstore/pkg/config"
	"github.com/sushant-115/hdbstore/pkg/logger"
	"github.com/sushant-115/hdbstore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath    = flag.String("config", "", "Path to the YAML configuration file (defaults are used when empty)")
	dataDir       = flag.String("data_dir", "", "Overrides disk.data_dir")
	logLevel      = flag.String("log_level", "", "Overrides logger.level")
	poolCapacity  = flag.Int("pool_capacity", 0, "Overrides buffer_pool.capacity")
	metricsPort   = flag.Int("metrics_port", -1, "Overrides telemetry.prometheus_port and enables telemetry")
	statsInterval = flag.Duration("stats_interval", 30*time.Second, "How often buffer pool statistics are logged")
	warmFiles     = flag.String("warm", "", "Comma separated data files read through the pool at startup")
	warmRate      = flag.Int("warm_rate", 0, "Bytes per second for the warm-up scan, 0 for unlimited")
)

var (
	zlogger        *zap.Logger
	shutdownSignal = []os.Signal{os.Interrupt, syscall.SIGTERM}
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}
	if *dataDir != "" {
		cfg.Disk.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if *poolCapacity > 0 {
		cfg.BufferPool.Capacity = *poolCapacity
	}
	if *metricsPort >= 0 {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.PrometheusPort = *metricsPort
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}
	zlogger, err = logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: failed to create logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	if err := run(cfg); err != nil {
		zlogger.Fatal("CRITICAL: node stopped with error", zap.Error(err))
	}
	zlogger.Info("Node stopped")
}

func run(cfg config.Config) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignal...)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		err = multierr.Append(err, shutdownTelemetry(context.Background()))
	}()
	poolMetrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		return err
	}
	ringMetrics, err := internaltelemetry.NewRingMetrics(tel.Meter)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Disk.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	dm, err := flushmanager.NewDiskManager(cfg.BufferPool.BlockSize, cfg.Disk.MaxOpenFiles, zlogger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dm.Close()) }()

	pool, err := bufferpool.NewBufferPoolManager(cfg.BufferPool, dm, zlogger,
		bufferpool.WithMetrics(poolMetrics),
		bufferpool.WithTracer(tel.Tracer),
	)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, pool.Close()) }()

	eventPath := cfg.Resolve(cfg.EventLog.Path)
	eventFile, err := dm.Register(eventPath)
	if err != nil {
		return fmt.Errorf("failed to register event log %s: %w", eventPath, err)
	}
	events, err := eventlog.New(dm, eventFile, cfg.EventLog, zlogger, eventlog.WithRingMetrics(ringMetrics))
	if err != nil {
		return err
	}
	events.Start()
	// Registered after the pool and disk manager so it closes first.
	defer func() { err = multierr.Append(err, events.Close()) }()

	zlogger.Info("Node started",
		zap.String("poolID", pool.ID()),
		zap.String("dataDir", cfg.Disk.DataDir),
		zap.String("eventLog", eventPath),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
		zap.Int("metricsPort", cfg.Telemetry.PrometheusPort),
	)
	events.Info("node started pool=" + pool.ID())

	g, gctx := errgroup.WithContext(ctx)
	if *warmFiles != "" {
		g.Go(func() error {
			warm(gctx, cfg, dm, pool, events)
			return nil
		})
	}
	g.Go(func() error {
		reportStats(gctx, pool, events)
		return nil
	})
	<-gctx.Done()
	zlogger.Info("Shutdown signal received, stopping node")
	events.Warn("node stopping")
	return g.Wait()
}

// reportStats logs pool counters until ctx is done.
func reportStats(ctx context.Context, pool *bufferpool.BufferPoolManager, events *eventlog.Service) {
	ticker := time.NewTicker(*statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := pool.Stats()
			zlogger.Info("Buffer pool stats",
				zap.Int("capacity", s.Capacity),
				zap.Int("resident", s.Resident),
				zap.Int("pinned", s.Pinned),
				zap.Uint64("hits", s.Hits),
				zap.Uint64("misses", s.Misses),
				zap.Uint64("evictions", s.Evictions),
			)
			appends, failed := events.Stats()
			if failed > 0 {
				events.Warn(fmt.Sprintf("event log appends=%d failed=%d", appends, failed))
			}
		}
	}
}

// warm reads every block of the configured files through the pool so they
// start out resident.
func warm(ctx context.Context, cfg config.Config, dm *flushmanager.DiskManager, pool *bufferpool.BufferPoolManager, events *eventlog.Service) {
	reader := record.NewReader(pool, cfg.BufferPool.BlockSize, record.WithRateLimit(*warmRate))
	buf := make([]byte, cfg.BufferPool.BlockSize)
	for _, name := range strings.Split(*warmFiles, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		path := cfg.Resolve(name)
		file, err := pool.Register(path)
		if err != nil {
			zlogger.Warn("Failed to register warm-up file", zap.String("path", path), zap.Error(err))
			continue
		}
		blocks, err := dm.NumBlocks(file)
		if err != nil {
			zlogger.Warn("Failed to size warm-up file", zap.String("path", path), zap.Error(err))
			continue
		}
		start := time.Now()
		var read uint32
		for ; read < blocks; read++ {
			off := int64(read) * int64(cfg.BufferPool.BlockSize)
			if _, err := reader.ReadAt(ctx, file, buf, off); err != nil {
				if !errors.Is(err, context.Canceled) {
					zlogger.Warn("Warm-up read failed", zap.String("path", path), zap.Uint32("block", read), zap.Error(err))
				}
				break
			}
		}
		zlogger.Info("Warm-up finished",
			zap.String("path", path),
			zap.Uint32("blocks", read),
			zap.Duration("took", time.Since(start)),
		)
		events.Info(fmt.Sprintf("warmed %s blocks=%d", path, read))
	}
}
