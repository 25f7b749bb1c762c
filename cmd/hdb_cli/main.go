package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	bufferpool "github.com/sushant-115/hdbstore/core/write_engine/buffer_pool"
	"github.com/sushant-115/hdbstore/core/write_engine/eventlog"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	"github.com/sushant-115/hdbstore/pkg/config"
	"github.com/sushant-115/hdbstore/pkg/logger"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file (defaults are used when empty)")
	dataDir    = flag.String("data_dir", "", "Overrides disk.data_dir")
	history    = flag.String("history", filepath.Join(os.TempDir(), "hdb_cli.history"), "Readline history file")
	verbose    = flag.Bool("v", false, "Log engine activity to stderr")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("register"),
	readline.PcItem("pin"),
	readline.PcItem("unpin"),
	readline.PcItem("int32"),
	readline.PcItem("string"),
	readline.PcItem("read"),
	readline.PcItem("write"),
	readline.PcItem("stats"),
	readline.PcItem("log",
		readline.PcItem("info"),
		readline.PcItem("warn"),
		readline.PcItem("fail"),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func openSession(cfg config.Config, zlogger *zap.Logger) (*session, error) {
	if err := os.MkdirAll(cfg.Disk.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dm, err := flushmanager.NewDiskManager(cfg.BufferPool.BlockSize, cfg.Disk.MaxOpenFiles, zlogger)
	if err != nil {
		return nil, err
	}
	pool, err := bufferpool.NewBufferPoolManager(cfg.BufferPool, dm, zlogger)
	if err != nil {
		_ = dm.Close()
		return nil, err
	}
	// The REPL stays usable without an event log.
	var events *eventlog.Service
	h, err := dm.Register(cfg.Resolve(cfg.EventLog.Path))
	if err == nil {
		events, err = eventlog.New(dm, h, cfg.EventLog, zlogger)
	}
	if err != nil {
		zlogger.Warn("Event log unavailable", zap.Error(err))
		events = nil
	}
	return newSession(dm, pool, events, cfg.Resolve), nil
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}
	if *dataDir != "" {
		cfg.Disk.DataDir = *dataDir
	}
	cfg.Logger = logger.Config{Level: "warn", Format: "console", OutputFile: "stderr", Service: "hdb_cli"}
	if *verbose {
		cfg.Logger.Level = "debug"
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	s, err := openSession(cfg, zlogger)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer func() {
		if err := s.close(); err != nil {
			log.Printf("Error closing engine: %v", err)
		}
	}()

	ctx := context.Background()

	// Non-interactive: run the arguments as one command.
	if args := flag.Args(); len(args) > 0 {
		if err := s.exec(ctx, args, os.Stdout); err != nil && !errors.Is(err, errExit) {
			log.Printf("Error: %v", err)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hdb> ",
		HistoryFile:     *history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Printf("Error: %v", err)
		return
	}
	defer rl.Close()

	fmt.Println("hdbstore CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("Error reading input: %v", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := s.exec(ctx, strings.Fields(line), rl.Stdout()); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}
