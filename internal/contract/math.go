package contract

import "math"

// LiquidationPrice derives a liquidation bound from the start price and a
// multiplier: round(startPrice * multiplier), half away from zero.
func LiquidationPrice(startPrice int64, multiplier float64) int64 {
	return int64(math.Round(float64(startPrice) * multiplier))
}

// LiquidationPrices computes both bounds at once.
func LiquidationPrices(startPrice int64, lowMultiplier, highMultiplier float64) (low, high int64) {
	return LiquidationPrice(startPrice, lowMultiplier), LiquidationPrice(startPrice, highMultiplier)
}

// LongInputSats computes the long side's required input from the short's
// input. The rounding order is load-bearing: the low liquidation price is
// rounded BEFORE the division, and the quotient is rounded once at the end.
// Contract addresses commit to this exact arithmetic, so sats computed
// long-from-short and short-from-long are not perfectly invertible; that
// asymmetry is intentional and must not be "fixed".
func LongInputSats(shortSats, startPrice, lowLiquidationPrice int64) int64 {
	if lowLiquidationPrice <= 0 {
		return 0
	}
	shortUnits := float64(shortSats) * float64(startPrice)
	totalSats := int64(math.Round(shortUnits / float64(lowLiquidationPrice)))
	return totalSats - shortSats
}

// ShortInputSats inverts LongInputSats approximately. Used only for offer
// matching estimates; never for compiling a contract.
func ShortInputSats(longSats, startPrice, lowLiquidationPrice int64) int64 {
	if startPrice <= 0 || lowLiquidationPrice <= 0 {
		return 0
	}
	ratio := float64(startPrice)/float64(lowLiquidationPrice) - 1
	if ratio <= 0 {
		return 0
	}
	return int64(math.Round(float64(longSats) / ratio))
}

// TotalFundingSats is the combined on-chain value both parties must commit.
func TotalFundingSats(shortSats, startPrice, lowLiquidationPrice int64) int64 {
	return shortSats + LongInputSats(shortSats, startPrice, lowLiquidationPrice)
}
