package treasury

import (
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"

	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/lp"
	"HedgeEngine/internal/observability"
)

// ShortProposal is a prepared-but-not-yet-established short position: the
// compiled contract, the LP's counterparty position, and the fee quote. It
// lives in the proposal cache between saga attempts so an aborted attempt
// does not re-negotiate with the LP from scratch.
type ShortProposal struct {
	Contract     *contract.Contract
	ContractData json.RawMessage

	Position *lp.Position
	Fee      *lp.FeeEstimate

	// SigningHash is the digest every multisig signer endorses. It binds the
	// compiled address and parameters, so a signature cannot be replayed
	// against a renegotiated proposal.
	SigningHash string

	// SlotSignatures holds the verified signatures collected so far, keyed
	// by multisig slot.
	SlotSignatures map[int]SlotSignature

	// SettlementService is the LP-designated settlement endpoint for the
	// proposed contract, with its access token. Captured from the proposal
	// acknowledgement.
	SettlementService     string
	SettlementServiceAuth string

	// RenegotiateAfter is the earliest instant the LP allows a fresh
	// negotiation. A cached proposal is discarded once it passes.
	RenegotiateAfter time.Time

	CreatedAt time.Time
}

// Expired reports whether the LP's renegotiation deadline has passed.
func (p *ShortProposal) Expired(now time.Time) bool {
	return !p.RenegotiateAfter.IsZero() && now.After(p.RenegotiateAfter)
}

// ProposalCache holds at most one ShortProposal per treasury address, with
// TTL eviction as a backstop against proposals the saga never consumed.
type ProposalCache struct {
	c       *cache.Cache
	metrics *observability.Metrics
}

func NewProposalCache(ttl time.Duration, metrics *observability.Metrics) *ProposalCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ProposalCache{
		c:       cache.New(ttl, time.Minute),
		metrics: metrics,
	}
}

func (pc *ProposalCache) Put(treasuryAddress string, p *ShortProposal) {
	pc.c.SetDefault(treasuryAddress, p)
	pc.gauge()
}

func (pc *ProposalCache) Get(treasuryAddress string) (*ShortProposal, bool) {
	v, ok := pc.c.Get(treasuryAddress)
	if !ok {
		return nil, false
	}
	return v.(*ShortProposal), true
}

func (pc *ProposalCache) Drop(treasuryAddress string) {
	pc.c.Delete(treasuryAddress)
	pc.gauge()
}

func (pc *ProposalCache) gauge() {
	if pc.metrics != nil {
		pc.metrics.ShortProposalCached.Set(float64(pc.c.ItemCount()))
	}
}
