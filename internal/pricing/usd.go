package pricing

import "math/big"

// CalculateUSDValue computes (wholeUnits + fractional) * price for a raw
// token amount with the given decimals, per the protocol's fixed-point
// convention. Callers must short-circuit amount == 0 themselves to avoid an
// unnecessary price lookup.
func CalculateUSDValue(amount *big.Int, decimals int, price float64) float64 {
	if amount.Sign() == 0 {
		return 0
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	wholeUnits := new(big.Float).SetInt(whole)
	fractional := new(big.Float).Quo(new(big.Float).SetInt(remainder), new(big.Float).SetInt(divisor))

	total := new(big.Float).Add(wholeUnits, fractional)
	total.Mul(total, big.NewFloat(price))

	result, _ := total.Float64()
	return result
}
