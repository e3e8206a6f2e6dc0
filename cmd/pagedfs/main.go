// Command pagedfs runs a write-back workload against a pagedfs store.
//
// It opens (or creates) a store per the configuration, creates a data
// object with a paged handle over it, and runs a write/sync loop through
// the engine. Useful for exercising a store backend end to end and for
// watching flush behavior through the metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/pagedfs/internal/logger"
	"github.com/marmos91/pagedfs/pkg/config"
	"github.com/marmos91/pagedfs/pkg/metrics"
	"github.com/marmos91/pagedfs/pkg/paged"
	"github.com/marmos91/pagedfs/pkg/store"
	badgerstore "github.com/marmos91/pagedfs/pkg/store/badger"
	memorystore "github.com/marmos91/pagedfs/pkg/store/memory"
)

// workload is one file's write/sync loop.
type workload struct {
	handle    *paged.Handle
	writeSize uint64
	rounds    int
	writesPer int
}

func (w *workload) run(ctx context.Context) error {
	buf := make([]byte, w.writeSize)
	var offset uint64
	for round := 0; round < w.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < w.writesPer; i++ {
			for j := range buf {
				buf[j] = byte(rand.Intn(256))
			}
			if _, err := w.handle.WriteAt(ctx, buf, offset); err != nil {
				return fmt.Errorf("write at %d: %w", offset, err)
			}
			offset += w.writeSize
		}
		if err := w.handle.Flush(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		logger.Info("round %d/%d complete, file size %d, dirty pages %d",
			round+1, w.rounds, w.handle.MemoryObject().ContentSize(), w.handle.DirtyPageCount())
	}
	return nil
}

// openStore builds the configured store backend and a fresh data object.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, store.DataObject, func(), error) {
	switch cfg.Store.Type {
	case "badger":
		s, err := badgerstore.NewStore(ctx, badgerstore.Config{
			Path:                 cfg.Store.Badger.Path,
			Capacity:             cfg.Store.Badger.Capacity,
			ExtentDeletionBudget: cfg.Store.Badger.ExtentDeletionBudget,
			SyncWrites:           cfg.Store.Badger.SyncWrites,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		obj, err := s.CreateObject(ctx, 1)
		if err != nil {
			s.Close()
			return nil, nil, nil, err
		}
		return s, obj, func() {
			if err := s.Close(); err != nil {
				logger.Error("Closing store: %v", err)
			}
		}, nil
	default:
		s := memorystore.NewStore(cfg.Store.Memory.Capacity)
		s.SetExtentDeletionBudget(cfg.Store.Memory.ExtentDeletionBudget)
		return s, s.CreateObject(1), func() {}, nil
	}
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration as YAML and exit")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	storeType := flag.String("store", "", "Override store backend (memory, badger)")
	rounds := flag.Int("rounds", 4, "Write/sync rounds to run")
	writesPer := flag.Int("writes", 64, "Writes per round")
	writeSize := flag.Uint64("write-size", 16384, "Bytes per write")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *storeType != "" {
		cfg.Store.Type = *storeType
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *dumpConfig {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatalf("Failed to render configuration: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	logger.SetLevel(cfg.Logging.Level)
	switch cfg.Logging.Output {
	case "stdout", "":
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var flushMetrics paged.FlushMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		flushMetrics = metrics.NewFlushMetrics()
		srv := metrics.NewServer(cfg.Metrics.ListenAddress)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Metrics server: %v", err)
			}
		}()
	}

	st, obj, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	handle, err := paged.NewHandle(ctx, cfg.Engine.Options(), st, obj, flushMetrics)
	if err != nil {
		log.Fatalf("Failed to create handle: %v", err)
	}
	defer handle.Close()

	logger.Info("pagedfs running: store=%s object=%d", cfg.Store.Type, obj.ObjectID())

	done := make(chan error, 1)
	go func() {
		w := &workload{
			handle:    handle,
			writeSize: *writeSize,
			rounds:    *rounds,
			writesPer: *writesPer,
		}
		done <- w.run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Interrupted, flushing before exit")
		cancel()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Workload failed: %v", err)
			os.Exit(1)
		}
	}

	if err := handle.Flush(context.Background()); err != nil {
		logger.Error("Final flush failed: %v", err)
		os.Exit(1)
	}
	logger.Info("Shut down cleanly")
}
