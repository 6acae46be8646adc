// Package chainclient wraps Solana JSON-RPC access behind a fixed RPS budget
// with bounded exponential-backoff retries, so no caller can bypass rate
// limiting or retry policy on a per-call basis.
package chainclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// Signature is a chain signature as returned by listSignatures, independent
// of the RPC client's own wire types.
type Signature struct {
	Signature string
	BlockTime *int64
	Err       bool
	Slot      uint64
}

// ListOpts bounds a listSignatures page.
type ListOpts struct {
	Limit  int
	Before string
	Until  string
}

// Client is the sole authority for chain RPS budgeting: every call acquires
// a limiter permit before hitting the wire, and transient failures retry
// with exponential backoff.
type Client struct {
	rpc        *rpc.Client
	limiter    *rate.Limiter
	commitment rpc.CommitmentType
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger

	metricsMu sync.Mutex
	metrics   map[string]*methodMetrics
	stopOnce  sync.Once
	stopCh    chan struct{}
}

type methodMetrics struct {
	calls       int64
	errors      int64
	latencyNano int64
}

func New(rpcURL string, commitment rpc.CommitmentType, rps int, maxRetries int, baseDelay, maxDelay time.Duration, logger *slog.Logger) *Client {
	c := &Client{
		rpc:        rpc.New(rpcURL),
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		commitment: commitment,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
		metrics:    make(map[string]*methodMetrics),
		stopCh:     make(chan struct{}),
	}
	return c
}

// RunMetricsLogger logs and resets per-method call/latency/error counters
// once per interval until ctx is cancelled.
func (c *Client) RunMetricsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.logAndResetMetrics()
		}
	}
}

func (c *Client) logAndResetMetrics() {
	c.metricsMu.Lock()
	snapshot := c.metrics
	c.metrics = make(map[string]*methodMetrics)
	c.metricsMu.Unlock()

	for method, m := range snapshot {
		if m.calls == 0 {
			continue
		}
		c.logger.Info("chain client metrics",
			"method", method,
			"calls", m.calls,
			"errors", m.errors,
			"avg_latency_ms", float64(m.latencyNano)/float64(m.calls)/1e6,
		)
	}
}

func (c *Client) recordCall(method string, latency time.Duration, err error) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	m, ok := c.metrics[method]
	if !ok {
		m = &methodMetrics{}
		c.metrics[method] = m
	}
	m.calls++
	m.latencyNano += latency.Nanoseconds()
	if err != nil {
		m.errors++
	}
}

// ListSignatures returns signatures for programAddress newest-first, bounded
// by opts.Limit, with opts.Before/opts.Until excluding strictly newer/older
// signatures respectively.
func (c *Client) ListSignatures(ctx context.Context, programAddress string, opts ListOpts) ([]Signature, error) {
	pubkey, err := solana.PublicKeyFromBase58(programAddress)
	if err != nil {
		return nil, err
	}

	rpcOpts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &opts.Limit,
		Commitment: c.commitment,
	}
	if opts.Before != "" {
		rpcOpts.Before = solana.MustSignatureFromBase58(opts.Before)
	}
	if opts.Until != "" {
		rpcOpts.Until = solana.MustSignatureFromBase58(opts.Until)
	}

	var result []*rpc.TransactionSignature
	err = c.withRetry(ctx, "listSignatures", func() error {
		out, callErr := c.rpc.GetSignaturesForAddressWithOpts(ctx, pubkey, rpcOpts)
		if callErr != nil {
			return callErr
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	signatures := make([]Signature, 0, len(result))
	for _, sig := range result {
		var blockTime *int64
		if sig.BlockTime != nil {
			t := int64(*sig.BlockTime)
			blockTime = &t
		}
		signatures = append(signatures, Signature{
			Signature: sig.Signature.String(),
			BlockTime: blockTime,
			Err:       sig.Err != nil,
			Slot:      sig.Slot,
		})
	}
	return signatures, nil
}

// Transaction is the subset of a parsed transaction the indexer needs.
type Transaction struct {
	LogMessages []string
	BlockTime   *int64
}

// GetTransaction fetches the parsed transaction for signature, or (nil, nil)
// if it is absent.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, err
	}

	version := uint64(0)
	commitment := c.commitment
	var out *rpc.GetTransactionResult
	err = c.withRetry(ctx, "getTransaction", func() error {
		result, callErr := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Commitment:                     commitment,
			MaxSupportedTransactionVersion: &version,
		})
		if callErr != nil {
			return callErr
		}
		out = result
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if out == nil || out.Meta == nil {
		return nil, nil
	}

	var blockTime *int64
	if out.BlockTime != nil {
		t := int64(*out.BlockTime)
		blockTime = &t
	}

	return &Transaction{
		LogMessages: out.Meta.LogMessages,
		BlockTime:   blockTime,
	}, nil
}

// GetAccountData fetches the raw account data for address, rate-limited and
// retried the same as every other call through this client.
func (c *Client) GetAccountData(ctx context.Context, address string) ([]byte, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, err
	}

	var out *rpc.GetAccountInfoResult
	err = c.withRetry(ctx, "getAccountInfo", func() error {
		result, callErr := c.rpc.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		if callErr != nil {
			return callErr
		}
		out = result
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	return out.Value.Data.GetBinary(), nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

// withRetry acquires the rate limiter, issues fn, and retries transport
// failures and HTTP 429s with exponential backoff starting at baseDelay,
// doubling each attempt, up to maxRetries total attempts.
func (c *Client) withRetry(ctx context.Context, method string, fn func() error) error {
	var lastErr error
	delay := c.baseDelay

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := fn()
		c.recordCall(method, time.Since(start), err)

		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == c.maxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}

	return lastErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof") ||
		errors.Is(err, context.DeadlineExceeded)
}

// Close stops the background metrics logger.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}
