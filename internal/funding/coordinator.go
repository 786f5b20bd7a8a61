// Package funding collects both sides' funding proposals for a contract and
// turns them into one broadcast funding transaction.
package funding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"HedgeEngine/internal/chain"
	"HedgeEngine/internal/compiler"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/notify"
	"HedgeEngine/internal/observability"
)

// Store is the storage surface the coordinator needs.
type Store interface {
	GetContract(ctx context.Context, address string) (*contract.Contract, error)
	RecordFunding(ctx context.Context, address, fundingTxHash string, fundingSatoshis int64) error
	UpsertFundingProposal(ctx context.Context, p *contract.FundingProposal) error
	FundingProposals(ctx context.Context, address string) (map[contract.Side]*contract.FundingProposal, error)
}

// Coordinator runs the funding lifecycle of one contract: accept proposals
// from each side while the contract is unfunded, then assemble, validate,
// broadcast, and record the combined transaction.
type Coordinator struct {
	store    Store
	comp     compiler.Compiler
	node     chain.Client
	notifier notify.Publisher
	metrics  *observability.Metrics
	log      zerolog.Logger

	// feeAddress, when set, is the only non-contract output a funding
	// transaction may carry.
	feeAddress string
}

func NewCoordinator(store Store, comp compiler.Compiler, node chain.Client, notifier notify.Publisher, feeAddress string, metrics *observability.Metrics) *Coordinator {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Coordinator{
		store:      store,
		comp:       comp,
		node:       node,
		notifier:   notifier,
		metrics:    metrics,
		log:        observability.NewLogger("funding"),
		feeAddress: feeAddress,
	}
}

// SubmitProposal stores one side's funding proposal. Resubmitting replaces
// the prior proposal as long as the contract is unfunded; once the combined
// transaction is recorded, proposals are immutable.
func (co *Coordinator) SubmitProposal(ctx context.Context, p *contract.FundingProposal) error {
	c, err := co.store.GetContract(ctx, p.ContractAddress)
	if err != nil {
		return fault.Retryable("funding.submit", err)
	}
	if c == nil {
		return fault.Invalid("funding.submit", "unknown contract "+p.ContractAddress)
	}
	if c.Funded() {
		return fault.Invalid("funding.submit",
			fmt.Sprintf("contract %s is already funded by %s", c.Address, c.FundingTxHash))
	}
	if p.Pubkey != c.Key(p.Side).Pubkey {
		return fault.Invalid("funding.submit",
			fmt.Sprintf("pubkey does not own the %s side of %s", p.Side, c.Address))
	}
	if err := compiler.VerifyIntegrity(ctx, co.comp, c); err != nil {
		return err
	}

	if err := co.store.UpsertFundingProposal(ctx, p); err != nil {
		return fault.Retryable("funding.submit", err)
	}
	if co.metrics != nil {
		co.metrics.FundingProposalsSubmitted.WithLabelValues(p.Side.String()).Inc()
	}

	// Tell the counterparty their turn has come.
	co.notifier.Publish(ctx, notify.Notification{
		Event:           notify.EventFundingProposal,
		WalletHash:      c.Key(p.Side.Opposite()).WalletHash,
		ContractAddress: c.Address,
		Payload:         map[string]string{"side": p.Side.String()},
	})

	co.log.Info().
		Str("contract", c.Address).
		Str("side", p.Side.String()).
		Str("tx_hash", p.TxHash).
		Msg("funding proposal stored")
	return nil
}

// Complete assembles and broadcasts the combined funding transaction once
// both sides have proposed. Safe to call repeatedly: an already funded
// contract short-circuits, and a rebroadcast of the same transaction is
// normalized to success by the chain client.
func (co *Coordinator) Complete(ctx context.Context, address string) (string, error) {
	c, err := co.store.GetContract(ctx, address)
	if err != nil {
		return "", fault.Retryable("funding.complete", err)
	}
	if c == nil {
		return "", fault.Invalid("funding.complete", "unknown contract "+address)
	}
	if c.Funded() {
		return c.FundingTxHash, nil
	}
	if err := compiler.VerifyIntegrity(ctx, co.comp, c); err != nil {
		return "", err
	}

	proposals, err := co.store.FundingProposals(ctx, address)
	if err != nil {
		return "", fault.Retryable("funding.complete", err)
	}
	short, long := proposals[contract.SideShort], proposals[contract.SideLong]
	if short == nil || long == nil {
		// Fail fast: nothing external will make the missing side appear.
		missing := contract.SideShort
		if short != nil {
			missing = contract.SideLong
		}
		return "", fault.Invalid("funding.complete",
			fmt.Sprintf("contract %s has no %s funding proposal", address, missing))
	}

	txHex, err := co.comp.AssembleFunding(ctx, c, short, long)
	if err != nil {
		return "", err
	}

	fundingSats, err := co.validateFundingTx(ctx, c, txHex)
	if err != nil {
		return "", err
	}

	txid, err := co.node.Broadcast(ctx, txHex)
	if err != nil {
		return "", err
	}

	// Recording is separate from broadcasting: if this write fails, the
	// next Complete call rebroadcasts (a no-op) and records then.
	if err := co.store.RecordFunding(ctx, address, txid, fundingSats); err != nil {
		return "", fault.Retryable("funding.complete", err)
	}
	if co.metrics != nil {
		co.metrics.FundingCompleted.Inc()
	}

	for _, side := range []contract.Side{contract.SideShort, contract.SideLong} {
		co.notifier.Publish(ctx, notify.Notification{
			Event:           notify.EventContractFunded,
			WalletHash:      c.Key(side).WalletHash,
			ContractAddress: c.Address,
			Payload:         map[string]interface{}{"funding_tx_hash": txid, "funding_satoshis": fundingSats},
		})
	}

	co.log.Info().
		Str("contract", address).
		Str("funding_tx", txid).
		Int64("funding_satoshis", fundingSats).
		Msg("contract funded")
	return txid, nil
}

// validateFundingTx decodes the assembled transaction and checks its output
// shape: exactly one output to the contract address carrying the full agreed
// amount, plus at most a fee output to the configured fee address. Anything
// else means the assembler misbehaved and broadcasting would lock funds in
// an unspendable shape.
func (co *Coordinator) validateFundingTx(ctx context.Context, c *contract.Contract, txHex string) (int64, error) {
	accept, err := co.node.TestMempoolAccept(ctx, txHex)
	if err != nil {
		return 0, err
	}
	if !accept.Allowed {
		co.countValidationFailure("mempool_reject")
		if fault.TransientBroadcast(accept.RejectReason) {
			return 0, fault.Retryable("funding.validate",
				fmt.Errorf("funding tx rejected: %s", accept.RejectReason))
		}
		return 0, fault.Invalid("funding.validate", "funding tx rejected: "+accept.RejectReason)
	}

	decoded, err := co.node.DecodeTransaction(ctx, txHex)
	if err != nil {
		return 0, err
	}

	want := contract.TotalFundingSats(c.Satoshis, c.StartPrice, c.LowLiquidationPrice)
	var fundingSats int64
	for _, out := range decoded.Outputs {
		switch out.Address {
		case c.Address:
			if fundingSats != 0 {
				co.countValidationFailure("duplicate_output")
				return 0, fault.Invalid("funding.validate", "multiple outputs to contract address")
			}
			fundingSats = out.Value
		case co.feeAddress:
			// Fee output, allowed.
		default:
			co.countValidationFailure("stray_output")
			return 0, fault.Invalid("funding.validate", "unexpected output to "+out.Address)
		}
	}
	if fundingSats == 0 {
		co.countValidationFailure("no_contract_output")
		return 0, fault.Invalid("funding.validate", "no output pays the contract address")
	}
	if fundingSats < want {
		co.countValidationFailure("underfunded")
		return 0, fault.Invalid("funding.validate",
			fmt.Sprintf("contract output %d below agreed %d", fundingSats, want))
	}
	return fundingSats, nil
}

func (co *Coordinator) countValidationFailure(reason string) {
	if co.metrics != nil {
		co.metrics.FundingValidationFailures.WithLabelValues(reason).Inc()
	}
}
