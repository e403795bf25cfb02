// Command bufferpoolctl is a small demo/ops harness around the buffer
// pool: it opens a disk-backed pool from a config file, runs a concurrent
// fetch workload, flushes it, and reports basic stats. It exists to
// exercise internal/bufferpool the way a real storage-engine process would
// wire it, not as a database server in its own right.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/novabuf/bufferpool/internal/bufferpool"
	"github.com/novabuf/bufferpool/internal/config"
	"github.com/novabuf/bufferpool/internal/disk"
	"github.com/novabuf/bufferpool/internal/page"
	"github.com/novabuf/bufferpool/internal/wal"
)

type runConfig struct {
	cfg      *config.Config
	numPages int
	fanout   int
}

func main() {
	var cfgPath string
	var numPages, fanout int
	flag.StringVar(&cfgPath, "config", "bufferpool.yaml", "path to bufferpool yaml config")
	flag.IntVar(&numPages, "pages", 32, "number of pages to allocate for the demo workload")
	flag.IntVar(&fanout, "fanout", 8, "number of concurrent fetchers in the demo workload")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("no config at %s, using defaults", cfgPath)
			cfg = config.Default()
		} else {
			log.Fatalf("load config: %v", err)
		}
	}

	if v := os.Getenv("BUFFERPOOL_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Frames = n
		}
	}
	if cfg.Server.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	rc := runConfig{cfg: cfg, numPages: numPages, fanout: fanout}
	if err := run(rc); err != nil {
		log.Fatalf("bufferpoolctl: %v", err)
	}
}

func run(rc runConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dm, err := disk.OpenInDir(rc.cfg.Storage.DataDir, "pages.db")
	if err != nil {
		return fmt.Errorf("open disk manager: %w", err)
	}
	defer func() { _ = dm.Close() }()

	lm, err := wal.Open(rc.cfg.Storage.WALDir)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer func() { _ = lm.Close() }()

	pool := bufferpool.NewPool(rc.cfg.Pool.Frames, dm, lm)

	ids := make([]page.ID, rc.numPages)
	for i := range ids {
		fr, id, err := pool.NewPage()
		if err != nil {
			return fmt.Errorf("new page %d: %w", i, err)
		}
		fr.Data().Buf[0] = byte(i)
		if !pool.UnpinPage(id, true) {
			return fmt.Errorf("unbalanced unpin for freshly created page %d", id)
		}
		ids[i] = id
	}
	log.Printf("allocated %d pages in a %d-frame pool", len(ids), pool.Size())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.fanout)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := pool.FetchPage(id); err != nil {
				return fmt.Errorf("fetch page %d: %w", id, err)
			}
			if !pool.UnpinPage(id, false) {
				return fmt.Errorf("unbalanced unpin for page %d", id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("demo workload: %w", err)
	}

	if err := pool.FlushAllPages(); err != nil {
		return fmt.Errorf("flush all: %w", err)
	}
	log.Printf("flushed all resident pages")
	return nil
}
