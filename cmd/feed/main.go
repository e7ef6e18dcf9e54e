package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexfeed/internal/chain"
	"dexfeed/internal/config"
	"dexfeed/internal/domain"
	"dexfeed/internal/feed"
	"dexfeed/internal/normalize"
	"dexfeed/internal/observability"
	"dexfeed/internal/registry"
	"dexfeed/internal/sink"
	"dexfeed/internal/storage"
	"dexfeed/internal/storage/memory"
	"dexfeed/internal/storage/migrations"
	pgstore "dexfeed/internal/storage/postgres"
)

func main() {
	mode := flag.String("mode", "run", "Feed mode: run (backfill + live), live, or backfill")
	fromBlock := flag.Int64("from-block", -1, "Start block (overrides START_BLOCK)")
	toBlock := flag.Int64("to-block", 0, "End block for backfill mode")
	useMemory := flag.Bool("use-memory", false, "Use in-memory sinks and checkpoints instead of external services")
	flag.Parse()

	logger := log.New(os.Stdout, "[feed] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Load config: %v", err)
	}

	if len(cfg.Pools) == 0 {
		logger.Fatal("No pools configured. Set POOLS (poolID:pairID:base:quote:feeBps,...)")
	}

	startBlock := cfg.StartBlock
	if *fromBlock >= 0 {
		startBlock = *fromBlock
	}

	// Metrics server
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Printf("Starting metrics server on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown: first signal cancels, second forces exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, logger, cfg, *mode, startBlock, *toBlock, *useMemory)

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Feed failed: %v", err)
	}
	logger.Println("Shutdown complete")
}

func run(ctx context.Context, logger *log.Logger, cfg *config.Config, mode string, startBlock, toBlock int64, useMemory bool) error {
	reg, err := registry.New(cfg.Pools)
	if err != nil {
		return err
	}
	logger.Printf("Indexing %d pools across %d pairs", len(reg.PoolIDs()), len(reg.Pairs()))

	client := chain.NewJSONRPCClient(cfg.RPCUrl, nil)
	source := chain.NewRPCSource(chain.RPCSourceOptions{
		Client:    client,
		Pools:     reg.PoolIDs(),
		RateLimit: cfg.RPCRateLimit,
		Logger:    logger,
	})

	dataSink, closeSinks, err := buildSink(ctx, logger, cfg, useMemory)
	if err != nil {
		return err
	}
	defer closeSinks()

	cursors, closeCursors, err := buildCursorStore(ctx, logger, cfg, useMemory)
	if err != nil {
		return err
	}
	defer closeCursors()

	// Optional websocket head stream for lower live latency.
	var heads <-chan domain.BlockHeader
	if cfg.WSUrl != "" && mode != "backfill" {
		sub, err := chain.NewHeadSubscription(ctx, cfg.WSUrl, nil, logger)
		if err != nil {
			logger.Printf("Head subscription unavailable, falling back to polling: %v", err)
		} else {
			defer sub.Close()
			heads = sub.Headers()
		}
	}

	runner, err := feed.NewRunner(feed.RunnerOptions{
		ChainID:       cfg.ChainID,
		Source:        source,
		Normalizer:    normalize.New(reg),
		Sink:          dataSink,
		Cursors:       cursors,
		BaseTimeframe: cfg.BaseTimeframe,
		Timeframes:    cfg.Timeframes,
		FinalityDepth: cfg.FinalityDepth,
		PollInterval:  cfg.PollInterval,
		FlushInterval: cfg.FlushInterval,
		GracePeriod:   cfg.GracePeriod,
		BatchSize:     cfg.BatchSize,
		Heads:         heads,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	coord := feed.NewCoordinator(runner, logger)

	switch mode {
	case "run":
		return coord.Run(ctx, startBlock)
	case "live":
		return runner.Run(ctx, startBlock)
	case "backfill":
		if toBlock <= 0 {
			return errors.New("backfill mode requires -to-block")
		}
		result, err := coord.Backfill(ctx, startBlock, toBlock)
		if err != nil {
			return err
		}
		logger.Printf("Backfill complete: %d blocks [%d, %d] in %s",
			result.Blocks, result.FromBlock, result.ToBlock, result.Duration.Round(time.Millisecond))
		return nil
	default:
		return errors.New("unknown mode: " + mode)
	}
}

// buildSink assembles the sink fan-out from configuration.
func buildSink(ctx context.Context, logger *log.Logger, cfg *config.Config, useMemory bool) (sink.Sink, func(), error) {
	if useMemory {
		logger.Println("Using in-memory sink")
		return sink.NewMemory(), func() {}, nil
	}

	var sinks []sink.Sink
	var closers []func()

	if cfg.ClickHouseDSN != "" {
		conn, err := sink.NewConn(ctx, cfg.ClickHouseDSN)
		if err != nil {
			return nil, nil, err
		}
		ch := sink.NewClickHouse(conn)
		if err := ch.EnsureSchema(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		sinks = append(sinks, ch)
		closers = append(closers, func() { conn.Close() })
		logger.Println("ClickHouse sink enabled")
	}

	if cfg.RedisAddr != "" {
		pub := sink.NewRedisPublisher(cfg.RedisAddr)
		sinks = append(sinks, pub)
		closers = append(closers, func() { pub.Close() })
		logger.Printf("Redis publisher enabled on %s", cfg.RedisAddr)
	}

	if len(sinks) == 0 {
		logger.Println("No sinks configured, using in-memory sink")
		return sink.NewMemory(), func() {}, nil
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sink.NewMulti(sinks...), closeAll, nil
}

// buildCursorStore selects the checkpoint backend.
func buildCursorStore(ctx context.Context, logger *log.Logger, cfg *config.Config, useMemory bool) (storage.CursorStore, func(), error) {
	if useMemory || cfg.PostgresDSN == "" {
		logger.Println("Using in-memory cursor store")
		return memory.NewCursorStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Println("PostgreSQL cursor store enabled")
	return pgstore.NewCursorStore(pool), func() { pool.Close() }, nil
}
