// Package contract holds the hedge-contract domain model: the two-party
// contract record, its funding proposals, the terminal settlement, and the
// one-sided offers that can be matched into contracts.
package contract

import (
	"time"
)

// Side identifies a counterparty of the contract.
type Side int

const (
	SideShort Side = iota // provides the hedged principal
	SideLong              // provides leveraged counter-liquidity
)

func (s Side) String() string {
	switch s {
	case SideShort:
		return "short"
	case SideLong:
		return "long"
	default:
		return "unknown"
	}
}

// ParseSide converts a wire string into a Side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "short", "hedge":
		return SideShort, true
	case "long":
		return SideLong, true
	default:
		return 0, false
	}
}

// Opposite returns the counterparty side.
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

// State is the contract lifecycle state. Computed once from authoritative
// facts (funding tx, price history, clock) and passed through the settlement
// pipeline instead of being re-derived from nullable fields at each call site.
type State int32

const (
	StateUnfunded State = iota
	StateFunded
	StateLiquidated
	StateMatured
	StateMutuallyRedeemed
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateUnfunded:
		return "Unfunded"
	case StateFunded:
		return "Funded"
	case StateLiquidated:
		return "Liquidated"
	case StateMatured:
		return "Matured"
	case StateMutuallyRedeemed:
		return "MutuallyRedeemed"
	case StateSettled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions.
func (s State) CanTransitionTo(next State) bool {
	validTransitions := map[State][]State{
		StateUnfunded: {
			StateFunded,
		},
		StateFunded: {
			StateLiquidated,
			StateMatured,
			StateMutuallyRedeemed,
		},
		StateLiquidated: {
			StateSettled,
		},
		StateMatured: {
			StateSettled,
		},
		StateMutuallyRedeemed: {
			StateSettled,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateSettled }

// WalletKey identifies one counterparty wallet: the pubkey that signs and the
// address that receives the payout.
type WalletKey struct {
	WalletHash    string
	Pubkey        string
	PayoutAddress string
}

// Contract is a hedge position between a short and a long counterparty.
// Identified by its unique on-chain address; recompiling the contract from
// these fields must reproduce Address byte-for-byte.
type Contract struct {
	Address         string
	ContractVersion string

	Short WalletKey
	Long  WalletKey

	Satoshis          int64 // short side's input amount
	StartTimestamp    int64 // unix seconds
	MaturityTimestamp int64 // unix seconds

	OraclePubkey string
	StartPrice   int64

	LowLiquidationMultiplier  float64
	HighLiquidationMultiplier float64
	LowLiquidationPrice       int64
	HighLiquidationPrice      int64

	// Set once both sides have funded and the combined tx is on-chain.
	FundingTxHash   string
	FundingSatoshis int64

	Settlement *Settlement

	CreatedAt time.Time
}

// Funded reports whether the combined funding transaction has been recorded.
func (c *Contract) Funded() bool { return c.FundingTxHash != "" }

// Settled reports whether a terminal settlement is attached.
func (c *Contract) Settled() bool { return c.Settlement != nil }

// Key returns the wallet key for the given side.
func (c *Contract) Key(side Side) WalletKey {
	if side == SideShort {
		return c.Short
	}
	return c.Long
}

// Duration returns the agreed contract duration.
func (c *Contract) Duration() time.Duration {
	return time.Duration(c.MaturityTimestamp-c.StartTimestamp) * time.Second
}

// PriceOutOfBounds reports whether price breaches the liquidation band.
func (c *Contract) PriceOutOfBounds(price int64) bool {
	return price <= c.LowLiquidationPrice || price >= c.HighLiquidationPrice
}

// CompileParams is the exact input to the contract compiler. Same params
// must always yield the same address; this is exploited as the integrity
// check whenever a contract is loaded from storage.
type CompileParams struct {
	ContractVersion           string
	ShortPubkey               string
	LongPubkey                string
	ShortPayoutAddress        string
	LongPayoutAddress         string
	Satoshis                  int64
	StartTimestamp            int64
	MaturityTimestamp         int64
	OraclePubkey              string
	StartPrice                int64
	LowLiquidationMultiplier  float64
	HighLiquidationMultiplier float64
}

// Params extracts the compiler input from the stored contract fields.
func (c *Contract) Params() CompileParams {
	return CompileParams{
		ContractVersion:           c.ContractVersion,
		ShortPubkey:               c.Short.Pubkey,
		LongPubkey:                c.Long.Pubkey,
		ShortPayoutAddress:        c.Short.PayoutAddress,
		LongPayoutAddress:         c.Long.PayoutAddress,
		Satoshis:                  c.Satoshis,
		StartTimestamp:            c.StartTimestamp,
		MaturityTimestamp:         c.MaturityTimestamp,
		OraclePubkey:              c.OraclePubkey,
		StartPrice:                c.StartPrice,
		LowLiquidationMultiplier:  c.LowLiquidationMultiplier,
		HighLiquidationMultiplier: c.HighLiquidationMultiplier,
	}
}

// FundingProposal is one side's funding input: the UTXO it commits plus the
// unlocking signature. Owned exclusively by one contract side; immutable once
// the combined funding transaction is finalized.
type FundingProposal struct {
	ContractAddress string
	Side            Side

	TxHash        string
	TxIndex       uint32
	TxValue       int64
	ScriptSig     string
	Pubkey        string
	InputTxHashes []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettlementType distinguishes the terminal paths.
type SettlementType string

const (
	SettlementLiquidation      SettlementType = "liquidation"
	SettlementMaturation       SettlementType = "maturation"
	SettlementMutualRedemption SettlementType = "mutual_redemption"
)

// Valid reports whether t is a known settlement type.
func (t SettlementType) Valid() bool {
	switch t {
	case SettlementLiquidation, SettlementMaturation, SettlementMutualRedemption:
		return true
	}
	return false
}

// TerminalState maps a settlement type to the lifecycle state it implies.
func (t SettlementType) TerminalState() State {
	switch t {
	case SettlementLiquidation:
		return StateLiquidated
	case SettlementMutualRedemption:
		return StateMutuallyRedeemed
	default:
		return StateMatured
	}
}

// Settlement is the terminal record of a contract. At most one per contract:
// attaching again updates the existing row, never duplicates it.
type Settlement struct {
	ContractAddress     string
	SpendingTransaction string
	SettlementType      SettlementType

	ShortSatoshis int64
	LongSatoshis  int64

	SettlementPrice           int64
	SettlementPriceSequence   int64
	SettlementMessageSequence int64
	SettlementMessage         string
	SettlementSignature       string

	CreatedAt time.Time
}
