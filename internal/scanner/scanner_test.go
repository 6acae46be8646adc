package scanner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/debridge-finance/dln-indexer/internal/analytics"
	"github.com/debridge-finance/dln-indexer/internal/chainclient"
	"github.com/debridge-finance/dln-indexer/internal/checkpoint"
)

func TestReverseInPlace_OldestFirst(t *testing.T) {
	sigs := []chainclient.Signature{{Signature: "c"}, {Signature: "b"}, {Signature: "a"}}
	reverseInPlace(sigs)
	require.Equal(t, []string{"a", "b", "c"}, []string{sigs[0].Signature, sigs[1].Signature, sigs[2].Signature})
}

func TestBlockTimeOrZero(t *testing.T) {
	require.Equal(t, int64(0), blockTimeOrZero(nil))
	val := int64(42)
	require.Equal(t, int64(42), blockTimeOrZero(&val))
}

func TestMintAddress_Base58ForPubkeyLength(t *testing.T) {
	pubkey := solana.MustPublicKeyFromBase58(wrappedSOLForTest)
	require.Equal(t, wrappedSOLForTest, mintAddress(pubkey[:]))
}

func TestMintAddress_HexForNonPubkeyLength(t *testing.T) {
	require.Equal(t, "abcd", mintAddress([]byte{0xab, 0xcd}))
}

const wrappedSOLForTest = "So11111111111111111111111111111111111111112"

// mockChainClient serves canned ListSignatures pages in call order and a
// fixed empty transaction for every signature (no log messages to decode,
// so pricing/resolver are never consulted).
type mockChainClient struct {
	pages      [][]chainclient.Signature
	callOpts   []chainclient.ListOpts
	nextPageAt int
}

func (m *mockChainClient) ListSignatures(ctx context.Context, programAddress string, opts chainclient.ListOpts) ([]chainclient.Signature, error) {
	m.callOpts = append(m.callOpts, opts)
	if m.nextPageAt >= len(m.pages) {
		return nil, nil
	}
	page := m.pages[m.nextPageAt]
	m.nextPageAt++
	return page, nil
}

func (m *mockChainClient) GetTransaction(ctx context.Context, signature string) (*chainclient.Transaction, error) {
	return &chainclient.Transaction{}, nil
}

// memCheckpointStore is an in-memory CheckpointStore, standing in for Redis
// in tests that need Get/Set round trips without a live store.
type memCheckpointStore struct {
	mu      sync.Mutex
	windows map[string]checkpoint.Window
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{windows: make(map[string]checkpoint.Window)}
}

func (m *memCheckpointStore) Get(ctx context.Context, program string) (checkpoint.Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[program]
	return w, ok, nil
}

func (m *memCheckpointStore) Set(ctx context.Context, program string, w checkpoint.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[program] = w
	return nil
}

type nopSink struct{}

func (nopSink) Insert(ctx context.Context, orders []analytics.EnrichedOrder) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blockTime(t int64) *int64 { return &t }

func TestForwardPass_NoWindowTakesSingleMostRecentPage(t *testing.T) {
	chain := &mockChainClient{
		pages: [][]chainclient.Signature{
			{{Signature: "c"}, {Signature: "b"}, {Signature: "a"}},
		},
	}
	store := newMemCheckpointStore()
	s := New("prog", KindCreated, 50, time.Second, chain, nil, nil, store, nopSink{}, testLogger())

	n, err := s.forwardPass(context.Background(), checkpoint.Window{}, false)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, chain.callOpts, 1)
	require.Equal(t, "", chain.callOpts[0].Before)

	window, ok, err := store.Get(context.Background(), "prog")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", window.From.Signature)
	require.Equal(t, "c", window.To.Signature)
}

// TestForwardPass_WalksMultiplePagesToFindWindowTo reproduces the backlog
// scenario from the forward-pass fix: a page bounded by batchSize stops
// short of window.To, so the scanner must keep paginating with successive
// before-cursors instead of trusting a single limit-bounded request.
func TestForwardPass_WalksMultiplePagesToFindWindowTo(t *testing.T) {
	chain := &mockChainClient{
		pages: [][]chainclient.Signature{
			{{Signature: "c9"}, {Signature: "c8"}, {Signature: "c7"}},
			{{Signature: "c6"}, {Signature: "c5"}, {Signature: "c4"}},
			{{Signature: "c3"}, {Signature: "c2"}, {Signature: "c1"}},
		},
	}
	store := newMemCheckpointStore()
	seed := checkpoint.Window{
		From: checkpoint.Boundary{Signature: "f0"},
		To:   checkpoint.Boundary{Signature: "c3"},
	}
	require.NoError(t, store.Set(context.Background(), "prog", seed))

	s := New("prog", KindCreated, 3, time.Second, chain, nil, nil, store, nopSink{}, testLogger())

	n, err := s.forwardPass(context.Background(), seed, true)
	require.NoError(t, err)
	require.Equal(t, 6, n) // c9..c4, stopping before c3

	require.Len(t, chain.callOpts, 3)
	require.Equal(t, "", chain.callOpts[0].Before)
	require.Equal(t, "c7", chain.callOpts[1].Before)
	require.Equal(t, "c4", chain.callOpts[2].Before)

	window, ok, err := store.Get(context.Background(), "prog")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "f0", window.From.Signature) // untouched by the forward pass
	require.Equal(t, "c9", window.To.Signature)
}

func TestForwardPass_StopsOnShortPageWithNoWindowToFound(t *testing.T) {
	chain := &mockChainClient{
		pages: [][]chainclient.Signature{
			{{Signature: "c9"}, {Signature: "c8"}, {Signature: "c7"}},
			{{Signature: "c6"}, {Signature: "c5"}}, // short page, no more data
		},
	}
	store := newMemCheckpointStore()
	seed := checkpoint.Window{
		From: checkpoint.Boundary{Signature: "f0"},
		To:   checkpoint.Boundary{Signature: "never-seen"},
	}
	require.NoError(t, store.Set(context.Background(), "prog", seed))

	s := New("prog", KindCreated, 3, time.Second, chain, nil, nil, store, nopSink{}, testLogger())

	n, err := s.forwardPass(context.Background(), seed, true)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, chain.callOpts, 2)
}

// TestBackwardPass_BackfillsFromWindowFrom reproduces the backward-backfill
// scenario: window {from: A@100, to: B@200}, one page before A containing
// [Z@50, Y@40] processed newest-first, leaving from = Y@40.
func TestBackwardPass_BackfillsFromWindowFrom(t *testing.T) {
	chain := &mockChainClient{
		pages: [][]chainclient.Signature{
			{{Signature: "Z", BlockTime: blockTime(50)}, {Signature: "Y", BlockTime: blockTime(40)}},
		},
	}
	store := newMemCheckpointStore()
	window := checkpoint.Window{
		From: checkpoint.Boundary{Signature: "A", BlockTime: 100},
		To:   checkpoint.Boundary{Signature: "B", BlockTime: 200},
	}
	require.NoError(t, store.Set(context.Background(), "prog", window))

	s := New("prog", KindCreated, 50, time.Second, chain, nil, nil, store, nopSink{}, testLogger())

	n, err := s.backwardPass(context.Background(), window)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, chain.callOpts, 1)
	require.Equal(t, "A", chain.callOpts[0].Before)

	got, ok, err := store.Get(context.Background(), "prog")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Y", got.From.Signature)
	require.Equal(t, int64(40), got.From.BlockTime)
	require.Equal(t, "B", got.To.Signature) // untouched by the backward pass
}

func TestPassOnce_RunsBackwardPassOnlyWhenForwardPassIsShortAndWindowExists(t *testing.T) {
	chain := &mockChainClient{
		pages: [][]chainclient.Signature{
			{{Signature: "d"}},                   // forward: one new sig, short page, stops
			{{Signature: "Z"}, {Signature: "Y"}}, // backward page
		},
	}
	store := newMemCheckpointStore()
	window := checkpoint.Window{
		From: checkpoint.Boundary{Signature: "A"},
		To:   checkpoint.Boundary{Signature: "c"},
	}
	require.NoError(t, store.Set(context.Background(), "prog", window))

	s := New("prog", KindCreated, 50, time.Second, chain, nil, nil, store, nopSink{}, testLogger())

	n, err := s.passOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n) // 1 forward + 2 backward
	require.Len(t, chain.callOpts, 2)
}
