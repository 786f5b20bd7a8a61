package contract

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// OfferStatus tracks the lifecycle of a one-sided intent.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferSettled   OfferStatus = "settled" // paired into a contract, one-way
	OfferCancelled OfferStatus = "cancelled"
)

// Offer is a published one-sided intent to enter a contract. A pending offer
// may be matched with a pending opposite-side offer within a tolerance band;
// ownership of the match is transferred atomically so at most one contract
// can result from it.
type Offer struct {
	ID              uuid.UUID
	WalletHash      string
	Pubkey          string
	PayoutAddress   string
	Side            Side
	Satoshis        int64
	DurationSeconds int64
	LowMultiplier   float64
	HighMultiplier  float64
	OraclePubkey    string
	Status          OfferStatus
	CreatedAt       time.Time
}

// MatchTolerance bounds how far apart two offers may be and still pair.
// Fractions are relative (0.1 = ±10%), multiplier deltas are absolute.
type MatchTolerance struct {
	SatoshisFraction float64
	DurationFraction float64
	MultiplierDelta  float64
}

// DefaultMatchTolerance mirrors the bands used by the offer book.
func DefaultMatchTolerance() MatchTolerance {
	return MatchTolerance{
		SatoshisFraction: 0.05,
		DurationFraction: 0.10,
		MultiplierDelta:  0.05,
	}
}

// Matches reports whether other is a pairable counterpart: pending, opposite
// side, same oracle, and within every tolerance band. The satoshis comparison
// converts the opposite side's amount into this offer's denomination first.
func (o *Offer) Matches(other *Offer, startPrice int64, tol MatchTolerance) bool {
	if o.Status != OfferPending || other.Status != OfferPending {
		return false
	}
	if other.Side != o.Side.Opposite() {
		return false
	}
	if other.OraclePubkey != o.OraclePubkey {
		return false
	}
	if !withinFraction(float64(o.DurationSeconds), float64(other.DurationSeconds), tol.DurationFraction) {
		return false
	}
	if math.Abs(o.LowMultiplier-other.LowMultiplier) > tol.MultiplierDelta {
		return false
	}
	if math.Abs(o.HighMultiplier-other.HighMultiplier) > tol.MultiplierDelta {
		return false
	}

	shortSats, longSats := o.Satoshis, other.Satoshis
	if o.Side == SideLong {
		shortSats, longSats = other.Satoshis, o.Satoshis
	}
	lowPrice := LiquidationPrice(startPrice, math.Min(o.LowMultiplier, other.LowMultiplier))
	wantLong := LongInputSats(shortSats, startPrice, lowPrice)
	return withinFraction(float64(wantLong), float64(longSats), tol.SatoshisFraction)
}

func withinFraction(a, b, fraction float64) bool {
	if a == b {
		return true
	}
	larger := math.Max(math.Abs(a), math.Abs(b))
	if larger == 0 {
		return true
	}
	return math.Abs(a-b)/larger <= fraction
}
