package pricing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAliasMint_RewritesNativeSOL(t *testing.T) {
	require.Equal(t, WrappedSOLMint, AliasMint(NativeSOLSentinel))
}

func TestAliasMint_LeavesOtherMintsUnchanged(t *testing.T) {
	usdc := "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	require.Equal(t, usdc, AliasMint(usdc))
}

func TestCalculateUSDValue_ZeroAmountShortCircuits(t *testing.T) {
	require.Equal(t, float64(0), CalculateUSDValue(big.NewInt(0), 6, 150))
}

func TestCalculateUSDValue_MatchesWorkedExamples(t *testing.T) {
	require.InDelta(t, 1.0, CalculateUSDValue(big.NewInt(1_000_000), 6, 1), 1e-9)
	require.InDelta(t, 150.0, CalculateUSDValue(big.NewInt(1_000_000_000), 9, 150), 1e-9)
	require.InDelta(t, 1.0, CalculateUSDValue(big.NewInt(500_000), 6, 2), 1e-9)
}

func TestOracle_DecimalsFromMemoryCacheHit(t *testing.T) {
	oracle := &Oracle{
		priceCache:    make(map[string]cachedPrice),
		decimalsCache: map[string]int{"solana:" + WrappedSOLMint: 9},
	}
	decimals, ok := oracle.decimalsFromMemory("solana:" + WrappedSOLMint)
	require.True(t, ok)
	require.Equal(t, 9, decimals)
}

func TestOracle_PriceFromMemoryMissOnExpiry(t *testing.T) {
	oracle := &Oracle{
		priceCache:    make(map[string]cachedPrice),
		decimalsCache: make(map[string]int),
	}
	oracle.priceCache["solana:x"] = cachedPrice{value: 42, expiresAt: oracle.priceCache["solana:x"].expiresAt}
	_, ok := oracle.priceFromMemory("solana:x")
	require.False(t, ok, "a zero-value expiresAt is already in the past, so the entry must be treated as expired")
}
