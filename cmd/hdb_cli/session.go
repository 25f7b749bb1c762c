package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/hdbstore/core/storage_engine/record"
	bufferpool "github.com/sushant-115/hdbstore/core/write_engine/buffer_pool"
	"github.com/sushant-115/hdbstore/core/write_engine/eventlog"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
	"go.uber.org/multierr"
)

var errExit = errors.New("exit")

// session owns the local engine the REPL works on. Blocks pinned with the
// "pin" command stay pinned until "unpin" or exit.
type session struct {
	dm        *flushmanager.DiskManager
	pool      *bufferpool.BufferPoolManager
	events    *eventlog.Service
	blockSize int
	resolve   func(string) string

	pinned map[pagemanager.BlockID][]*bufferpool.PinnedBlock
}

func newSession(dm *flushmanager.DiskManager, pool *bufferpool.BufferPoolManager, events *eventlog.Service, resolve func(string) string) *session {
	if resolve == nil {
		resolve = func(name string) string { return name }
	}
	return &session{
		dm:        dm,
		pool:      pool,
		events:    events,
		blockSize: pool.Config().BlockSize,
		resolve:   resolve,
		pinned:    make(map[pagemanager.BlockID][]*bufferpool.PinnedBlock),
	}
}

// close releases every pin the session still holds.
func (s *session) close() error {
	for id, pins := range s.pinned {
		for _, pb := range pins {
			pb.Release()
		}
		delete(s.pinned, id)
	}
	var errs error
	if s.events != nil {
		errs = multierr.Append(errs, s.events.Close())
	}
	errs = multierr.Append(errs, s.pool.Close())
	return multierr.Append(errs, s.dm.Close())
}

const usage = `Commands:
  register <path>                         register a data file, prints its handle
  pin <file> <block>                      pin a block and keep it pinned
  unpin <file> <block>                    release one pin taken with "pin"
  int32 <file> <offset>                   read a big-endian int32 at a file offset
  string <file> <offset>                  read a length-prefixed string at a file offset
  read <file> <offset> <len> [bytes/s]    hex dump len bytes, optionally throttled
  write <file> <block> <offset> int32|string <value>
                                          update a block in the pool and on disk,
                                          extending the file when needed
  stats                                   buffer pool counters
  log info|warn|fail <message>            append an event to the event log
  help
  exit / quit`

// exec runs one command line.
func (s *session) exec(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return nil
	}
	switch cmd := strings.ToLower(args[0]); cmd {
	case "register":
		if len(args) != 2 {
			return errors.New("register requires <path>")
		}
		h, err := s.pool.Register(s.resolve(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "file %d\n", h)
	case "pin", "unpin":
		id, err := parseBlockID(args, cmd+" requires <file> <block>")
		if err != nil {
			return err
		}
		if cmd == "pin" {
			pb, err := s.pool.Pin(ctx, id.File, id.Block)
			if err != nil {
				return err
			}
			s.pinned[id] = append(s.pinned[id], pb)
		} else {
			pins := s.pinned[id]
			if len(pins) == 0 {
				return fmt.Errorf("block %s is not pinned by this session", id)
			}
			pins[len(pins)-1].Release()
			if pins = pins[:len(pins)-1]; len(pins) == 0 {
				delete(s.pinned, id)
			} else {
				s.pinned[id] = pins
			}
		}
		fmt.Fprintf(out, "block %s pins=%d\n", id, s.pool.PinCount(id.File, id.Block))
	case "int32", "string":
		if len(args) != 3 {
			return fmt.Errorf("%s requires <file> <offset>", cmd)
		}
		file, err := parseHandle(args[1])
		if err != nil {
			return err
		}
		off, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q: %w", args[2], err)
		}
		r := record.NewReader(s.pool, s.blockSize)
		if cmd == "int32" {
			v, err := r.Int32(ctx, file, off)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, v)
			return nil
		}
		v, err := r.String(ctx, file, off)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%q\n", v)
	case "read":
		return s.read(ctx, args, out)
	case "write":
		return s.write(ctx, args, out)
	case "stats":
		st := s.pool.Stats()
		fmt.Fprintf(out, "capacity=%d resident=%d pinned=%d hits=%d misses=%d evictions=%d\n",
			st.Capacity, st.Resident, st.Pinned, st.Hits, st.Misses, st.Evictions)
	case "log":
		return s.log(ctx, args, out)
	case "help":
		fmt.Fprintln(out, usage)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

func (s *session) read(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 4 && len(args) != 5 {
		return errors.New("read requires <file> <offset> <len> [bytes/s]")
	}
	file, err := parseHandle(args[1])
	if err != nil {
		return err
	}
	off, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[2], err)
	}
	size, err := strconv.Atoi(args[3])
	if err != nil || size < 0 {
		return fmt.Errorf("invalid length %q", args[3])
	}
	var opts []record.Option
	if len(args) == 5 {
		bps, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", args[4], err)
		}
		opts = append(opts, record.WithRateLimit(bps))
	}
	buf := make([]byte, size)
	n, err := record.NewReader(s.pool, s.blockSize, opts...).ReadAt(ctx, file, buf, off)
	if n > 0 {
		fmt.Fprint(out, hex.Dump(buf[:n]))
	}
	return err
}

func (s *session) write(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 6 {
		return errors.New("write requires <file> <block> <offset> int32|string <value>")
	}
	id, err := parseBlockID(args[:3], "write requires <file> <block>")
	if err != nil {
		return err
	}
	off, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[3], err)
	}

	pb, err := s.pool.Pin(ctx, id.File, id.Block)
	if errors.Is(err, flushmanager.ErrBlockNotFound) {
		// Extend the file with a zeroed block and pin that.
		if err = s.dm.WriteBlock(id.File, id.Block, make([]byte, s.blockSize)); err == nil {
			pb, err = s.pool.Pin(ctx, id.File, id.Block)
		}
	}
	if err != nil {
		return err
	}
	defer pb.Release()

	switch strings.ToLower(args[4]) {
	case "int32":
		v, err := strconv.ParseInt(args[5], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid int32 %q: %w", args[5], err)
		}
		if err := pb.PutInt32(off, int32(v)); err != nil {
			return err
		}
	case "string":
		if _, err := pb.PutString(off, strings.Join(args[5:], " ")); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown value type %q", args[4])
	}
	// The pool never writes frames back, so the block goes to disk here.
	if err := s.dm.WriteBlock(id.File, id.Block, pb.Bytes()); err != nil {
		return err
	}
	fmt.Fprintf(out, "block %s written\n", id)
	return nil
}

func (s *session) log(ctx context.Context, args []string, out io.Writer) error {
	if s.events == nil {
		return errors.New("event log is not open")
	}
	if len(args) < 3 {
		return errors.New("log requires info|warn|fail <message>")
	}
	var level eventlog.Level
	switch strings.ToLower(args[1]) {
	case "info":
		level = eventlog.LevelInfo
	case "warn":
		level = eventlog.LevelWarn
	case "fail":
		level = eventlog.LevelFail
	default:
		return fmt.Errorf("unknown level %q", args[1])
	}
	if err := s.events.Log(ctx, level, strings.Join(args[2:], " ")); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d event(s) written\n", s.events.Flush())
	return nil
}

func parseHandle(s string) (pagemanager.FileHandle, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file handle %q: %w", s, err)
	}
	return pagemanager.FileHandle(v), nil
}

func parseBlockID(args []string, msg string) (pagemanager.BlockID, error) {
	if len(args) != 3 {
		return pagemanager.BlockID{}, errors.New(msg)
	}
	file, err := parseHandle(args[1])
	if err != nil {
		return pagemanager.BlockID{}, err
	}
	block, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return pagemanager.BlockID{}, fmt.Errorf("invalid block %q: %w", args[2], err)
	}
	return pagemanager.BlockID{File: file, Block: uint32(block)}, nil
}
