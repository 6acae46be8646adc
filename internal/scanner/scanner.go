// Package scanner implements the Scanner state machine: bidirectional
// signature paging over one on-chain program, decoding and pricing each
// transaction's events and persisting them before advancing the checkpoint.
package scanner

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/debridge-finance/dln-indexer/internal/analytics"
	"github.com/debridge-finance/dln-indexer/internal/chainclient"
	"github.com/debridge-finance/dln-indexer/internal/checkpoint"
	"github.com/debridge-finance/dln-indexer/internal/events"
	"github.com/debridge-finance/dln-indexer/internal/fulfillment"
	"github.com/debridge-finance/dln-indexer/internal/pricing"
)

// ChainClient is the narrow capability this package needs from
// chainclient.Client.
type ChainClient interface {
	ListSignatures(ctx context.Context, programAddress string, opts chainclient.ListOpts) ([]chainclient.Signature, error)
	GetTransaction(ctx context.Context, signature string) (*chainclient.Transaction, error)
}

// PriceOracle is the narrow capability this package needs from
// pricing.Oracle.
type PriceOracle interface {
	Price(ctx context.Context, mint string) (float64, bool, error)
	Decimals(ctx context.Context, mint string) (int, bool, error)
}

// Resolver is the narrow capability this package needs from
// fulfillment.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, orderID string) fulfillment.Result
}

// CheckpointStore is the narrow capability this package needs from
// checkpoint.Store.
type CheckpointStore interface {
	Get(ctx context.Context, program string) (checkpoint.Window, bool, error)
	Set(ctx context.Context, program string, w checkpoint.Window) error
}

// AnalyticsSink is the narrow capability this package needs from
// analytics.Sink.
type AnalyticsSink interface {
	Insert(ctx context.Context, orders []analytics.EnrichedOrder) error
}

// Kind distinguishes which event this scanner is watching for.
type Kind string

const (
	KindCreated   Kind = "created"
	KindFulfilled Kind = "fulfilled"
)

// Scanner paginates one program's signature history forward (catching up
// to the chain tip) and backward (filling in history behind the earliest
// known signature), persisting enriched orders as it goes.
type Scanner struct {
	programAddress string
	kind           Kind
	batchSize      int
	delay          time.Duration

	chain       ChainClient
	oracle      PriceOracle
	resolver    Resolver
	checkpoints CheckpointStore
	sink        AnalyticsSink
	logger      *slog.Logger
}

func New(
	programAddress string,
	kind Kind,
	batchSize int,
	delay time.Duration,
	chain ChainClient,
	oracle PriceOracle,
	resolver Resolver,
	checkpoints CheckpointStore,
	sink AnalyticsSink,
	logger *slog.Logger,
) *Scanner {
	return &Scanner{
		programAddress: programAddress,
		kind:           kind,
		batchSize:      batchSize,
		delay:          delay,
		chain:          chain,
		oracle:         oracle,
		resolver:       resolver,
		checkpoints:    checkpoints,
		sink:           sink,
		logger:         logger,
	}
}

// Run drives the scan loop until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("scanner started", "program", s.programAddress, "kind", s.kind)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopped", "program", s.programAddress)
			return
		default:
		}

		processed, err := s.passOnce(ctx)
		if err != nil {
			s.logger.Error("scan pass failed", "program", s.programAddress, "err", err)
			sleep(ctx, 2*s.delay)
			continue
		}
		if processed == 0 {
			sleep(ctx, s.delay)
		}
	}
}

// passOnce runs one forward pass, and a backward pass if the forward pass
// didn't fill a full batch and a checkpoint window already exists.
func (s *Scanner) passOnce(ctx context.Context) (int, error) {
	window, hasWindow, err := s.checkpoints.Get(ctx, s.programAddress)
	if err != nil {
		return 0, err
	}

	forwardCount, err := s.forwardPass(ctx, window, hasWindow)
	if err != nil {
		return forwardCount, err
	}

	if forwardCount >= s.batchSize || !hasWindow {
		return forwardCount, nil
	}

	window, hasWindow, err = s.checkpoints.Get(ctx, s.programAddress)
	if err != nil {
		return forwardCount, err
	}
	if !hasWindow {
		return forwardCount, nil
	}

	backwardCount, err := s.backwardPass(ctx, window)
	return forwardCount + backwardCount, err
}

// forwardPass obtains every signature strictly newer than
// window.To.Signature, oldest-first. With no window yet it takes a single
// most-recent page. Otherwise it pages backward from the chain head with
// successive before-cursors, since a single limit-bounded request can stop
// well short of window.To.Signature whenever the backlog since the last
// poll exceeds batchSize: each page is searched for that signature, and
// only once it's found (or a short page signals there is no more data)
// does accumulation stop.
func (s *Scanner) forwardPass(ctx context.Context, window checkpoint.Window, hasWindow bool) (int, error) {
	var accumulated []chainclient.Signature

	if !hasWindow {
		sigs, err := s.chain.ListSignatures(ctx, s.programAddress, chainclient.ListOpts{Limit: s.batchSize})
		if err != nil {
			return 0, err
		}
		accumulated = sigs
	} else {
		cursor := ""
		for {
			sigs, err := s.chain.ListSignatures(ctx, s.programAddress, chainclient.ListOpts{
				Limit:  s.batchSize,
				Before: cursor,
			})
			if err != nil {
				return 0, err
			}
			if len(sigs) == 0 {
				break
			}

			if idx := indexOfSignature(sigs, window.To.Signature); idx >= 0 {
				accumulated = append(accumulated, sigs[:idx]...)
				break
			}

			accumulated = append(accumulated, sigs...)
			if len(sigs) < s.batchSize {
				break
			}
			cursor = sigs[len(sigs)-1].Signature
		}
	}

	if len(accumulated) == 0 {
		return 0, nil
	}

	reverseInPlace(accumulated)

	for _, sig := range accumulated {
		if err := s.processSignature(ctx, sig); err != nil {
			return 0, err
		}
		if err := s.advanceForward(ctx, sig); err != nil {
			return 0, err
		}
	}
	return len(accumulated), nil
}

// indexOfSignature returns the position of signature within sigs, or -1.
func indexOfSignature(sigs []chainclient.Signature, signature string) int {
	for i, sig := range sigs {
		if sig.Signature == signature {
			return i
		}
	}
	return -1
}

// backwardPass fetches a single page older than window.From.Signature.
func (s *Scanner) backwardPass(ctx context.Context, window checkpoint.Window) (int, error) {
	sigs, err := s.chain.ListSignatures(ctx, s.programAddress, chainclient.ListOpts{
		Limit:  s.batchSize,
		Before: window.From.Signature,
	})
	if err != nil {
		return 0, err
	}
	if len(sigs) == 0 {
		return 0, nil
	}

	for _, sig := range sigs {
		if err := s.processSignature(ctx, sig); err != nil {
			return 0, err
		}
		if err := s.advanceBackward(ctx, sig); err != nil {
			return 0, err
		}
	}
	return len(sigs), nil
}

// processSignature fetches and decodes one transaction and persists any
// enriched orders it contains. A failed transaction fetch does not stop the
// scan; it is logged and the window still advances, since re-fetching the
// same signature forever would wedge the scanner on one bad transaction.
// Undecodable events are skipped silently by events.Decode, and pricing
// failures are recorded as PricingError tags on the order. An Insert error
// is returned, so the caller does not advance the window past it.
func (s *Scanner) processSignature(ctx context.Context, sig chainclient.Signature) error {
	if sig.Err {
		return nil
	}

	tx, err := s.chain.GetTransaction(ctx, sig.Signature)
	if err != nil {
		s.logger.Error("fetch transaction failed", "signature", sig.Signature, "err", err)
		return nil
	}
	if tx == nil {
		return nil
	}

	decoded := events.Decode(tx.LogMessages, s.programAddress)
	blockTime := int64(0)
	if tx.BlockTime != nil {
		blockTime = *tx.BlockTime
	}

	var enriched []analytics.EnrichedOrder
	switch s.kind {
	case KindCreated:
		enriched = s.enrichCreatedOrders(ctx, decoded, sig.Signature, blockTime)
	case KindFulfilled:
		enriched = s.enrichFulfillments(ctx, decoded, sig.Signature, blockTime)
	}

	if len(enriched) == 0 {
		return nil
	}
	return s.sink.Insert(ctx, enriched)
}

func (s *Scanner) enrichCreatedOrders(ctx context.Context, decoded events.Decoded, signature string, blockTime int64) []analytics.EnrichedOrder {
	out := make([]analytics.EnrichedOrder, 0, len(decoded.Orders))
	for _, order := range decoded.Orders {
		row := analytics.EnrichedOrder{
			OrderID:     order.OrderID,
			TxSignature: signature,
			BlockTime:   blockTime,
			EventType:   analytics.EventCreated,
		}

		amount := order.GiveOffer.Amount
		if amount == nil || amount.Sign() == 0 {
			row.PricingStatus = analytics.PricingStatusOK
			row.USDValue = 0
			out = append(out, row)
			continue
		}

		mint := pricing.AliasMint(mintAddress(order.GiveOffer.TokenAddress))
		price, found, err := s.oracle.Price(ctx, mint)
		if err != nil || !found {
			row.PricingStatus = analytics.PricingStatusError
			row.PricingError = "no_price"
			out = append(out, row)
			continue
		}
		decimals, found, err := s.oracle.Decimals(ctx, mint)
		if err != nil || !found {
			row.PricingStatus = analytics.PricingStatusError
			row.PricingError = "no_decimals"
			out = append(out, row)
			continue
		}

		row.PricingStatus = analytics.PricingStatusOK
		row.USDValue = pricing.CalculateUSDValue(amount, decimals, price)
		out = append(out, row)
	}
	return out
}

func (s *Scanner) enrichFulfillments(ctx context.Context, decoded events.Decoded, signature string, blockTime int64) []analytics.EnrichedOrder {
	out := make([]analytics.EnrichedOrder, 0, len(decoded.Fulfillments))
	for _, fill := range decoded.Fulfillments {
		row := analytics.EnrichedOrder{
			OrderID:     fill.OrderID,
			TxSignature: signature,
			BlockTime:   blockTime,
			EventType:   analytics.EventFulfilled,
		}

		result := s.resolver.Resolve(ctx, fill.OrderID)
		if !result.OK {
			row.PricingStatus = analytics.PricingStatusError
			row.PricingError = result.PricingError
			out = append(out, row)
			continue
		}

		row.PricingStatus = analytics.PricingStatusOK
		row.USDValue = result.USDValue
		out = append(out, row)
	}
	return out
}

// mintAddress renders a token address as base58 when it is a valid 32-byte
// Solana pubkey, or hex otherwise — some DLN chains encode non-Solana token
// addresses in this same field.
func mintAddress(raw []byte) string {
	if len(raw) == 32 {
		return solana.PublicKeyFromBytes(raw).String()
	}
	return hex.EncodeToString(raw)
}

func (s *Scanner) advanceForward(ctx context.Context, sig chainclient.Signature) error {
	window, hasWindow, err := s.checkpoints.Get(ctx, s.programAddress)
	if err != nil {
		return err
	}

	boundary := checkpoint.Boundary{Signature: sig.Signature, BlockTime: blockTimeOrZero(sig.BlockTime)}
	if !hasWindow {
		window = checkpoint.Window{From: boundary, To: boundary}
	} else {
		window.To = boundary
	}
	return s.checkpoints.Set(ctx, s.programAddress, window)
}

func (s *Scanner) advanceBackward(ctx context.Context, sig chainclient.Signature) error {
	window, hasWindow, err := s.checkpoints.Get(ctx, s.programAddress)
	if err != nil {
		return err
	}

	boundary := checkpoint.Boundary{Signature: sig.Signature, BlockTime: blockTimeOrZero(sig.BlockTime)}
	if !hasWindow {
		window = checkpoint.Window{From: boundary, To: boundary}
	} else {
		window.From = boundary
	}
	return s.checkpoints.Set(ctx, s.programAddress, window)
}

func blockTimeOrZero(t *int64) int64 {
	if t == nil {
		return 0
	}
	return *t
}

func reverseInPlace(sigs []chainclient.Signature) {
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
