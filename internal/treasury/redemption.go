package treasury

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/redemption"
)

// SlotSignature is one counterparty signature for a multisig slot. Slots are
// numbered 1..3: short key, long key, arbiter key.
type SlotSignature struct {
	Slot      int
	Pubkey    string
	Signature string
}

const (
	minMultisigSlot = 1
	maxMultisigSlot = 3
)

// MutualRedemption is a fully pre-signed early termination of a contract,
// ready for the redemption queue.
type MutualRedemption struct {
	ContractAddress string
	RawTxHex        string
	TokenCategory   string

	RedeemScript string
	SigningHash  string
	Signatures   []SlotSignature
}

// EnqueueMutualRedemption verifies every provided slot signature against the
// redeem script and hands the transaction to the redemption queue. Nothing
// is queued unless all signatures verify: a half-signed redemption would
// burn its queue slot on a guaranteed node rejection.
func (m *Manager) EnqueueMutualRedemption(ctx context.Context, queue redemption.Queue, mr MutualRedemption) error {
	if len(mr.Signatures) == 0 {
		return fault.Invalid("treasury.redemption", "no signatures provided")
	}

	seen := make(map[int]bool, len(mr.Signatures))
	for _, sig := range mr.Signatures {
		if sig.Slot < minMultisigSlot || sig.Slot > maxMultisigSlot {
			return fault.Invalid("treasury.redemption",
				fmt.Sprintf("multisig slot %d out of range", sig.Slot))
		}
		if seen[sig.Slot] {
			return fault.Invalid("treasury.redemption",
				fmt.Sprintf("duplicate signature for slot %d", sig.Slot))
		}
		seen[sig.Slot] = true

		valid, err := m.comp.VerifyMultisig(ctx, mr.RedeemScript, sig.Slot, sig.Pubkey, sig.Signature, mr.SigningHash)
		if err != nil {
			return err
		}
		if !valid {
			return fault.Invalid("treasury.redemption",
				fmt.Sprintf("signature for slot %d does not verify", sig.Slot))
		}
	}

	tx := &redemption.ContractTx{
		ID:              uuid.New(),
		ContractAddress: mr.ContractAddress,
		TxType:          redemption.TxMutualRedemption,
		RawTxHex:        mr.RawTxHex,
		TokenCategory:   mr.TokenCategory,
		Status:          redemption.StatusPending,
	}
	if err := queue.Enqueue(ctx, tx); err != nil {
		return fault.Retryable("treasury.redemption", err)
	}

	m.log.Info().
		Str("contract", mr.ContractAddress).
		Str("queued_tx", tx.ID.String()).
		Msg("mutual redemption queued")
	return nil
}
