// Package compiler is the boundary to the contract script compiler: a
// sidecar process that deterministically derives contract addresses and
// byte-exact parameters, assembles transactions, and signs inputs. The core
// only relies on one property: same params, same address. That property is
// exploited as an integrity check wherever contract state is loaded from
// storage.
package compiler

import (
	"context"
	"encoding/json"

	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
)

// Compiled is the compiler's deterministic output for a parameter set.
type Compiled struct {
	Address    string          `json:"address"`
	Version    string          `json:"version"`
	Parameters json.RawMessage `json:"parameters"`
	Metadata   json.RawMessage `json:"metadata"`
}

// UTXO describes a spendable output handed to the signer.
type UTXO struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Satoshis int64  `json:"satoshis"`
	// Token fields are set for reserve-token outputs.
	Category    string `json:"category,omitempty"`
	TokenAmount int64  `json:"tokenAmount,omitempty"`
	LockingCode string `json:"lockingBytecode,omitempty"`
}

// SettlementBuild is a settlement transaction constructed by the compiler,
// before broadcast.
type SettlementBuild struct {
	TxHex           string `json:"txHex"`
	ShortSatoshis   int64  `json:"shortSatoshis"`
	LongSatoshis    int64  `json:"longSatoshis"`
	SettlementPrice int64  `json:"settlementPrice"`
}

// Compiler lists every script operation the lifecycle components use.
// An explicit surface: each method maps to one sidecar endpoint, nothing is
// dispatched dynamically.
type Compiler interface {
	// Compile derives the contract address and parameters. Pure function of
	// its inputs.
	Compile(ctx context.Context, params contract.CompileParams) (*Compiled, error)

	// AssembleFunding combines both sides' funding proposals into the raw
	// combined funding transaction. Does not broadcast.
	AssembleFunding(ctx context.Context, c *contract.Contract, short, long *contract.FundingProposal) (string, error)

	// BuildSettlement constructs a liquidation or maturation settlement
	// spending the funding output, authorized by the given oracle message.
	BuildSettlement(ctx context.Context, c *contract.Contract, settlementType contract.SettlementType, priceMessage, priceSignature string) (*SettlementBuild, error)

	// SignProposal produces the unlocking signature for a funding UTXO.
	SignProposal(ctx context.Context, utxo UTXO, wif string) (string, error)

	// VerifyMultisig checks a signature for one slot of a multisig script.
	VerifyMultisig(ctx context.Context, redeemScript string, slot int, pubkey, signature, digest string) (bool, error)
}

// VerifyIntegrity recompiles a stored contract and checks that the derived
// address reproduces the stored one byte-for-byte. A mismatch means the
// stored parameters are corrupted or tampered with; the enclosing operation
// must abort.
func VerifyIntegrity(ctx context.Context, comp Compiler, c *contract.Contract) error {
	compiled, err := comp.Compile(ctx, c.Params())
	if err != nil {
		return fault.Retryable("compiler.verify", err)
	}
	if compiled.Address != c.Address {
		return fault.Integrity("compiler.verify",
			"recompiled address "+compiled.Address+" does not match stored "+c.Address)
	}
	return nil
}
