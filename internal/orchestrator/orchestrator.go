// Package orchestrator wires the scanner, chain client, pricing, checkpoint,
// and analytics components together and runs both program scanners
// concurrently until asked to stop.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/debridge-finance/dln-indexer/internal/analytics"
	"github.com/debridge-finance/dln-indexer/internal/chainclient"
	"github.com/debridge-finance/dln-indexer/internal/checkpoint"
	"github.com/debridge-finance/dln-indexer/internal/config"
	"github.com/debridge-finance/dln-indexer/internal/fulfillment"
	"github.com/debridge-finance/dln-indexer/internal/pricing"
	"github.com/debridge-finance/dln-indexer/internal/scanner"
)

// Orchestrator owns the chain client and both program scanners, and
// coordinates their lifecycle.
type Orchestrator struct {
	cfg    config.IndexerConfig
	logger *slog.Logger

	chain       *chainclient.Client
	oracle      *pricing.Oracle
	resolver    *fulfillment.Resolver
	checkpoints *checkpoint.Store
	sink        *analytics.Sink

	createdScanner   *scanner.Scanner
	fulfilledScanner *scanner.Scanner
}

// New assembles every component from cfg. The caller owns the returned
// Orchestrator's lifecycle via Run.
func New(cfg config.IndexerConfig, logger *slog.Logger) (*Orchestrator, error) {
	chain := chainclient.New(cfg.RPCURL, cfg.Commitment, cfg.SolanaRPS, cfg.RPCMaxRetries, cfg.RPCRetryBaseDelay, cfg.RPCRetryMaxDelay, logger)

	oracle, err := pricing.New(cfg.JupiterAPIKey, chain, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("init price oracle: %w", err)
	}

	checkpoints, err := checkpoint.New(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}

	sink, err := analytics.New(cfg.ClickHouseHost, cfg.ClickHouseDatabase, cfg.ClickHouseUser, cfg.ClickHousePassword)
	if err != nil {
		return nil, fmt.Errorf("init analytics sink: %w", err)
	}

	resolver := fulfillment.New(oracle, cfg.ChainID)

	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		chain:       chain,
		oracle:      oracle,
		resolver:    resolver,
		checkpoints: checkpoints,
		sink:        sink,
	}

	o.createdScanner = scanner.New(
		cfg.SourceProgramID.String(), scanner.KindCreated, cfg.BatchSize, cfg.DelayMS,
		chain, oracle, resolver, checkpoints, sink, logger.With("scanner", "created"),
	)
	o.fulfilledScanner = scanner.New(
		cfg.DestProgramID.String(), scanner.KindFulfilled, cfg.BatchSize, cfg.DelayMS,
		chain, oracle, resolver, checkpoints, sink, logger.With("scanner", "fulfilled"),
	)

	return o, nil
}

// Run starts both scanners and the metrics logger, and blocks until ctx is
// cancelled or the configured shutdown-on-order-count threshold is hit.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.close()

	o.logger.Info("orchestrator started",
		"rpc", o.cfg.RPCURL,
		"source_program", o.cfg.SourceProgramID.String(),
		"dest_program", o.cfg.DestProgramID.String(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		o.createdScanner.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		o.fulfilledScanner.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		o.chain.RunMetricsLogger(runCtx, o.cfg.MetricsLogInterval)
	}()

	if o.cfg.ShutdownOnOrderCount != nil {
		go o.watchShutdownThreshold(runCtx, cancel, *o.cfg.ShutdownOnOrderCount)
	}

	<-runCtx.Done()
	wg.Wait()
	o.logger.Info("orchestrator stopped")
	return nil
}

// watchShutdownThreshold polls the recorded created and fulfilled order
// counts and cancels ctx once both have reached threshold, for bounded
// test/demo runs.
func (o *Orchestrator) watchShutdownThreshold(ctx context.Context, cancel context.CancelFunc, threshold uint64) {
	countCtx, countCancel := context.WithCancel(ctx)
	defer countCancel()

	for {
		select {
		case <-countCtx.Done():
			return
		default:
		}

		createdCount, err := o.sink.OrderCount(countCtx, analytics.EventCreated)
		if err != nil {
			return
		}
		fulfilledCount, err := o.sink.OrderCount(countCtx, analytics.EventFulfilled)
		if err != nil {
			return
		}
		if uint64(createdCount) >= threshold && uint64(fulfilledCount) >= threshold {
			o.logger.Info("shutdown order count threshold reached", "threshold", threshold)
			cancel()
			return
		}

		select {
		case <-countCtx.Done():
			return
		case <-time.After(o.cfg.MetricsLogInterval):
		}
	}
}

func (o *Orchestrator) close() {
	if err := o.chain.Close(); err != nil {
		o.logger.Error("failed to close chain client", "err", err)
	}
	if err := o.sink.Close(); err != nil {
		o.logger.Error("failed to close analytics sink", "err", err)
	}
	if err := o.checkpoints.Close(); err != nil {
		o.logger.Error("failed to close checkpoint store", "err", err)
	}
	if err := o.oracle.Close(); err != nil {
		o.logger.Error("failed to close price oracle", "err", err)
	}
}
