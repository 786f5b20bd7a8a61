// Package treasury establishes short positions for the treasury against the
// external liquidity provider. Establishment is a multi-phase saga staged
// through a proxy funding wallet; any failure after the proxy is funded
// triggers a compensating sweep back to the treasury so no value is ever
// stranded on an intermediate address.
package treasury

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"HedgeEngine/internal/compiler"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/funding"
	"HedgeEngine/internal/lp"
	"HedgeEngine/internal/observability"
	"HedgeEngine/internal/oracle"
)

// Saga phases, in order.
const (
	phasePropose  = "propose"
	phaseFeeGuard = "fee_guard"
	phaseLP       = "lp_propose"
	phaseCollect  = "collect_signatures"
	phaseSign     = "sign"
	phaseComplete = "complete"
)

// Params bounds the positions the manager opens.
type Params struct {
	OraclePubkey    string
	ContractVersion string

	DurationSeconds int64
	LowMultiplier   float64
	HighMultiplier  float64

	// PremiumReserveFraction of the spendable balance is held back to cover
	// fees and renegotiation drift.
	PremiumReserveFraction float64

	// MaxFeeFraction aborts establishment when the LP's total fee quote
	// exceeds this fraction of the position amount.
	MaxFeeFraction float64

	MinShortSatoshis int64
	ProposalTTL      time.Duration
	LeaseTTL         time.Duration

	// MultisigRedeemScript is the treasury wallet's multisig script. Slot
	// signatures are verified against it before they count toward the
	// quorum.
	MultisigRedeemScript string

	// SignatureQuorum is how many verified slot signatures a proposal needs
	// before it may complete.
	SignatureQuorum int
}

// DefaultParams returns the standing treasury policy.
func DefaultParams() Params {
	return Params{
		DurationSeconds:        90 * 24 * 3600,
		LowMultiplier:          0.75,
		HighMultiplier:         10,
		PremiumReserveFraction: 0.10,
		MaxFeeFraction:         0.05,
		MinShortSatoshis:       100_000,
		ProposalTTL:            15 * time.Minute,
		LeaseTTL:               10 * time.Minute,
		SignatureQuorum:        2,
	}
}

// Store is the storage surface of the manager.
type Store interface {
	SaveContract(ctx context.Context, c *contract.Contract) error
	LatestPriceMessage(ctx context.Context, pubkey string) (*oracle.PriceMessage, error)
}

// Result is the terminal outcome of one establishment attempt. Economic
// guards land here as Skipped with the guard's message; they are outcomes,
// not errors.
type Result struct {
	Established bool
	Skipped     bool
	Message     string

	ContractAddress string
	FundingTxHash   string
}

// Manager runs the short-position saga.
type Manager struct {
	params    Params
	wallet    Wallet
	lpClient  lp.Client
	comp      compiler.Compiler
	funder    *funding.Coordinator
	store     Store
	leaser    *Leaser
	proposals *ProposalCache
	metrics   *observability.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewManager(params Params, wallet Wallet, lpClient lp.Client, comp compiler.Compiler, funder *funding.Coordinator, store Store, metrics *observability.Metrics) *Manager {
	return &Manager{
		params:    params,
		wallet:    wallet,
		lpClient:  lpClient,
		comp:      comp,
		funder:    funder,
		store:     store,
		leaser:    NewLeaser(),
		proposals: NewProposalCache(params.ProposalTTL, metrics),
		metrics:   metrics,
		log:       observability.NewLogger("treasury"),
		now:       time.Now,
	}
}

// Run attempts establishment on a fixed interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration, health *observability.HealthChecker) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := m.EstablishShortPosition(ctx)
		if health != nil {
			health.SetComponent("treasury", err == nil, "")
		}
		switch {
		case err != nil:
			m.log.Warn().Err(err).Msg("short position attempt failed, will retry")
		case result.Skipped:
			m.log.Info().Str("reason", result.Message).Msg("short position skipped")
		case result.Established:
			m.log.Info().
				Str("contract", result.ContractAddress).
				Str("funding_tx", result.FundingTxHash).
				Msg("short position established")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EstablishShortPosition runs one saga attempt end to end. At most one
// attempt per treasury address runs at a time; a second caller gets a
// Skipped result immediately.
func (m *Manager) EstablishShortPosition(ctx context.Context) (*Result, error) {
	lease, ok := m.leaser.Acquire("short:"+m.wallet.TreasuryAddress(), m.params.LeaseTTL)
	if !ok {
		return &Result{Skipped: true, Message: "establishment already in flight"}, nil
	}
	defer lease.Release()

	proposal, err := m.prepare(ctx)
	if outcome, handled := m.guardOutcome(phasePropose, err); handled {
		return outcome, nil
	}
	if err != nil {
		m.phase(phasePropose, "error")
		return nil, err
	}
	m.phase(phasePropose, "ok")

	if err := m.checkFee(proposal); err != nil {
		if outcome, handled := m.guardOutcome(phaseFeeGuard, err); handled {
			return outcome, nil
		}
		m.phase(phaseFeeGuard, "error")
		return nil, err
	}
	m.phase(phaseFeeGuard, "ok")

	if err := m.proposeToLP(ctx, proposal); err != nil {
		if outcome, handled := m.guardOutcome(phaseLP, err); handled {
			return outcome, nil
		}
		m.phase(phaseLP, "error")
		return nil, err
	}
	m.phase(phaseLP, "ok")

	// The treasury's funds do not move until the quorum has endorsed the
	// compiled contract. The proposal stays cached so signers can keep
	// submitting between attempts.
	if err := m.checkQuorum(proposal); err != nil {
		if outcome, handled := m.guardOutcome(phaseCollect, err); handled {
			return outcome, nil
		}
		m.phase(phaseCollect, "error")
		return nil, err
	}
	m.phase(phaseCollect, "ok")

	shortProposal, err := m.signShortSide(ctx, proposal)
	if err != nil {
		m.phase(phaseSign, "error")
		// The proxy wallet may already hold funds; return them.
		m.sweep(ctx)
		return nil, err
	}
	m.phase(phaseSign, "ok")

	result, err := m.complete(ctx, proposal, shortProposal)
	if err != nil {
		m.phase(phaseComplete, "error")
		m.sweep(ctx)
		return nil, err
	}
	m.phase(phaseComplete, "ok")
	m.proposals.Drop(m.wallet.TreasuryAddress())
	return result, nil
}

// prepare builds or revalidates the ShortProposal: sizing, LP position, and
// compiled contract.
func (m *Manager) prepare(ctx context.Context) (*ShortProposal, error) {
	key := m.wallet.TreasuryAddress()

	if cached, ok := m.proposals.Get(key); ok {
		if cached.Expired(m.now()) {
			m.proposals.Drop(key)
		} else if err := m.revalidate(ctx, cached); err != nil {
			m.proposals.Drop(key)
			m.log.Warn().Err(err).Msg("cached short proposal discarded")
		} else {
			return cached, nil
		}
	}

	balance, err := m.wallet.SpendableBalance(ctx)
	if err != nil {
		return nil, err
	}
	shortSats := int64(float64(balance) * (1 - m.params.PremiumReserveFraction))
	if shortSats < m.params.MinShortSatoshis {
		return nil, fault.Guard("treasury.prepare",
			fmt.Sprintf("spendable %d below minimum position %d", shortSats, m.params.MinShortSatoshis))
	}

	constraints, err := m.lpClient.Constraints(ctx, m.params.OraclePubkey)
	if err != nil {
		return nil, err
	}
	shortSats = constraints.ClampSatoshis(shortSats)
	duration := constraints.ClampDuration(m.params.DurationSeconds)
	lowMult, highMult := constraints.ClampMultipliers(m.params.LowMultiplier, m.params.HighMultiplier)

	latest, err := m.store.LatestPriceMessage(ctx, m.params.OraclePubkey)
	if err != nil {
		return nil, fault.Retryable("treasury.prepare", err)
	}
	if latest == nil {
		return nil, fault.Retryable("treasury.prepare", fmt.Errorf("no price history for oracle %s", m.params.OraclePubkey))
	}

	startPrice := latest.PriceValue
	lowPrice, highPrice := contract.LiquidationPrices(startPrice, lowMult, highMult)
	longSats := contract.LongInputSats(shortSats, startPrice, lowPrice)
	if constraints.AvailableLiquidity < longSats {
		return nil, fault.Guard("treasury.prepare",
			fmt.Sprintf("lp liquidity %d below required %d", constraints.AvailableLiquidity, longSats))
	}

	position, err := m.lpClient.PrepareContractPosition(ctx, m.params.OraclePubkey, shortSats)
	if err != nil {
		return nil, err
	}

	fee, err := m.lpClient.EstimateFee(ctx, m.params.OraclePubkey, shortSats, duration, lowMult, highMult)
	if err != nil {
		return nil, err
	}

	startTimestamp := latest.MessageTimestamp
	c := &contract.Contract{
		ContractVersion: m.params.ContractVersion,
		Short:           m.wallet.Key(),
		Long: contract.WalletKey{
			Pubkey:        position.PublicKey,
			PayoutAddress: position.PayoutAddress,
		},
		Satoshis:                  shortSats,
		StartTimestamp:            startTimestamp,
		MaturityTimestamp:         startTimestamp + duration,
		OraclePubkey:              m.params.OraclePubkey,
		StartPrice:                startPrice,
		LowLiquidationMultiplier:  lowMult,
		HighLiquidationMultiplier: highMult,
		LowLiquidationPrice:       lowPrice,
		HighLiquidationPrice:      highPrice,
		CreatedAt:                 m.now().UTC(),
	}

	compiled, err := m.comp.Compile(ctx, c.Params())
	if err != nil {
		return nil, err
	}
	c.Address = compiled.Address

	digest := sha256.Sum256(append([]byte(compiled.Address), compiled.Parameters...))
	proposal := &ShortProposal{
		Contract:     c,
		ContractData: compiled.Parameters,
		Position:     position,
		Fee:          fee,
		SigningHash:  hex.EncodeToString(digest[:]),
		CreatedAt:    m.now().UTC(),
	}
	if position.RenegotiateAfterTimestamp > 0 {
		proposal.RenegotiateAfter = time.Unix(position.RenegotiateAfterTimestamp, 0)
	}

	m.proposals.Put(key, proposal)
	return proposal, nil
}

// revalidate recompiles a cached proposal and checks the address still
// matches. A mismatch means the cached parameters no longer produce the
// cached contract and the proposal must be rebuilt.
func (m *Manager) revalidate(ctx context.Context, p *ShortProposal) error {
	compiled, err := m.comp.Compile(ctx, p.Contract.Params())
	if err != nil {
		return err
	}
	if compiled.Address != p.Contract.Address {
		return fault.Integrity("treasury.revalidate",
			fmt.Sprintf("cached proposal address %s recompiles to %s", p.Contract.Address, compiled.Address))
	}
	return nil
}

// SubmitSlotSignature verifies and records one signer's multisig signature
// for the proposal cached under treasuryAddress. A signature that does not
// verify against the treasury's multisig script is rejected outright; a
// stored signature is never replaced.
func (m *Manager) SubmitSlotSignature(ctx context.Context, treasuryAddress string, sig SlotSignature) error {
	p, ok := m.proposals.Get(treasuryAddress)
	if !ok {
		return fault.Invalid("treasury.signatures",
			"no proposal awaiting signatures for "+treasuryAddress)
	}
	if sig.Slot < minMultisigSlot || sig.Slot > maxMultisigSlot {
		return fault.Invalid("treasury.signatures",
			fmt.Sprintf("multisig slot %d out of range", sig.Slot))
	}
	if _, dup := p.SlotSignatures[sig.Slot]; dup {
		return fault.Invalid("treasury.signatures",
			fmt.Sprintf("slot %d already signed", sig.Slot))
	}

	valid, err := m.comp.VerifyMultisig(ctx, m.params.MultisigRedeemScript, sig.Slot, sig.Pubkey, sig.Signature, p.SigningHash)
	if err != nil {
		return err
	}
	if !valid {
		return fault.Invalid("treasury.signatures",
			fmt.Sprintf("signature for slot %d does not verify", sig.Slot))
	}

	if p.SlotSignatures == nil {
		p.SlotSignatures = make(map[int]SlotSignature)
	}
	p.SlotSignatures[sig.Slot] = sig
	m.proposals.Put(treasuryAddress, p)

	m.log.Info().
		Int("slot", sig.Slot).
		Int("collected", len(p.SlotSignatures)).
		Int("quorum", m.params.SignatureQuorum).
		Msg("multisig slot signature accepted")
	return nil
}

// checkQuorum gates completion on the collected slot signatures.
func (m *Manager) checkQuorum(p *ShortProposal) error {
	if len(p.SlotSignatures) < m.params.SignatureQuorum {
		return fault.Guard("treasury.signatures",
			fmt.Sprintf("awaiting multisig signatures: %d of %d collected",
				len(p.SlotSignatures), m.params.SignatureQuorum))
	}
	return nil
}

func (m *Manager) checkFee(p *ShortProposal) error {
	limit := int64(float64(p.Contract.Satoshis) * m.params.MaxFeeFraction)
	if p.Fee.Total() > limit {
		return fault.Guard("treasury.fee",
			fmt.Sprintf("lp fee %d exceeds %d (%.0f%% of %d)",
				p.Fee.Total(), limit, m.params.MaxFeeFraction*100, p.Contract.Satoshis))
	}
	return nil
}

func (m *Manager) proposeToLP(ctx context.Context, p *ShortProposal) error {
	ack, err := m.lpClient.ProposeContract(ctx, p.ContractData)
	if err != nil {
		return err
	}
	if !ack.Accepted {
		if ack.RenegotiateAfterTimestamp > 0 {
			p.RenegotiateAfter = time.Unix(ack.RenegotiateAfterTimestamp, 0)
		}
		return fault.Guard("treasury.propose", "lp declined the contract proposal")
	}
	// The ack names the settlement service authorized for this contract;
	// keep it with the cached proposal alongside the contract data.
	p.SettlementService = ack.SettlementServiceURL()
	p.SettlementServiceAuth = ack.AuthToken
	return nil
}

// signShortSide funds the proxy address and signs the resulting UTXO into
// the treasury's funding proposal.
func (m *Manager) signShortSide(ctx context.Context, p *ShortProposal) (*contract.FundingProposal, error) {
	c := p.Contract

	// The proxy stages only the short side's input; the LP funds its own.
	utxo, err := m.wallet.FundProxy(ctx, c.Satoshis)
	if err != nil {
		return nil, err
	}

	scriptSig, err := m.wallet.SignFundingUTXO(ctx, utxo)
	if err != nil {
		return nil, err
	}

	return &contract.FundingProposal{
		ContractAddress: c.Address,
		Side:            contract.SideShort,
		TxHash:          utxo.TxID,
		TxIndex:         utxo.Vout,
		TxValue:         utxo.Satoshis,
		ScriptSig:       scriptSig,
		Pubkey:          c.Short.Pubkey,
	}, nil
}

// complete persists the contract, hands both sides to the funding
// coordinator, and waits for the LP to fund its side.
func (m *Manager) complete(ctx context.Context, p *ShortProposal, shortProposal *contract.FundingProposal) (*Result, error) {
	c := p.Contract

	if err := m.store.SaveContract(ctx, c); err != nil {
		return nil, fault.Retryable("treasury.complete", err)
	}

	if err := m.funder.SubmitProposal(ctx, shortProposal); err != nil {
		return nil, err
	}

	if _, err := m.lpClient.FundContract(ctx, c.Address, p.ContractData); err != nil {
		return nil, err
	}

	txid, err := m.funder.Complete(ctx, c.Address)
	if err != nil {
		return nil, err
	}

	return &Result{
		Established:     true,
		ContractAddress: c.Address,
		FundingTxHash:   txid,
	}, nil
}

// sweep returns any staged proxy funds to the treasury. Best effort: a
// failed sweep is logged and retried by the next saga's sweep, the funds
// stay on an address the treasury controls either way.
func (m *Manager) sweep(ctx context.Context) {
	txid, err := m.wallet.SweepProxy(ctx)
	if err != nil {
		m.log.Error().Err(err).Str("proxy", m.wallet.ProxyAddress()).Msg("compensating sweep failed")
		return
	}
	if m.metrics != nil {
		m.metrics.ShortProposalSweeps.Inc()
	}
	m.log.Warn().Str("sweep_tx", txid).Msg("proxy funds swept back to treasury")
}

// guardOutcome converts an economic-guard error into a successful Skipped
// result. Guards are expected outcomes of an unfavorable market, not faults.
func (m *Manager) guardOutcome(phase string, err error) (*Result, bool) {
	if err == nil || !fault.IsGuard(err) {
		return nil, false
	}
	m.phase(phase, "guard")
	return &Result{Skipped: true, Message: err.Error()}, true
}

func (m *Manager) phase(phase, outcome string) {
	if m.metrics != nil {
		m.metrics.ShortProposalPhases.WithLabelValues(phase, outcome).Inc()
	}
}
