package pricing

const (
	// NativeSOLSentinel is the 32-zero-byte address used to denote native
	// SOL in on-chain accounts, before it is rewritten to wrapped SOL.
	NativeSOLSentinel = "11111111111111111111111111111111"
	// WrappedSOLMint is the mint the price provider actually prices.
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
)

// AliasMint rewrites the native-SOL sentinel to the wrapped-SOL mint. Every
// price or decimals lookup must pass its mint through this first.
func AliasMint(mint string) string {
	if mint == NativeSOLSentinel {
		return WrappedSOLMint
	}
	return mint
}
