package funding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"HedgeEngine/internal/compiler"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/notify"
	"HedgeEngine/internal/observability"
	"HedgeEngine/internal/oracle"
)

// OfferStore is the offer-book surface of the matcher.
type OfferStore interface {
	SaveContract(ctx context.Context, c *contract.Contract) error
	SaveOffer(ctx context.Context, o *contract.Offer) error
	PendingOffers(ctx context.Context, oraclePubkey string, side contract.Side) ([]*contract.Offer, error)
	ClaimMatchedOffers(ctx context.Context, a, b uuid.UUID) (bool, error)
	LatestPriceMessage(ctx context.Context, pubkey string) (*oracle.PriceMessage, error)
}

// Matcher pairs pending short and long offers into contracts. Ownership of
// a pair is claimed atomically, so two matchers racing on the same offers
// produce at most one contract.
type Matcher struct {
	store    OfferStore
	comp     compiler.Compiler
	notifier notify.Publisher
	log      zerolog.Logger

	contractVersion string
	tolerance       contract.MatchTolerance
	now             func() time.Time
}

func NewMatcher(store OfferStore, comp compiler.Compiler, notifier notify.Publisher, contractVersion string) *Matcher {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Matcher{
		store:           store,
		comp:            comp,
		notifier:        notifier,
		log:             observability.NewLogger("matcher"),
		contractVersion: contractVersion,
		tolerance:       contract.DefaultMatchTolerance(),
		now:             time.Now,
	}
}

// Run periodically walks the pending short offers for every tracked oracle
// and tries to pair each one. A pass that fails marks the component unhealthy
// but the loop keeps going; the book is retried on the next tick.
func (m *Matcher) Run(ctx context.Context, oracles []string, interval time.Duration, health *observability.HealthChecker) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := m.scanOnce(ctx, oracles)
		if health != nil {
			health.SetComponent("matcher", err == nil, "")
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("offer scan failed, will retry")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanOnce scans from the short side only: every match pairs one short with
// one long, so walking both sides would just re-discover the same pairs.
func (m *Matcher) scanOnce(ctx context.Context, oracles []string) error {
	for _, pubkey := range oracles {
		shorts, err := m.store.PendingOffers(ctx, pubkey, contract.SideShort)
		if err != nil {
			return err
		}
		for _, offer := range shorts {
			if _, err := m.MatchOffer(ctx, offer); err != nil {
				if fault.KindOf(err) == fault.KindRetryable {
					m.log.Warn().Err(err).Str("offer", offer.ID.String()).Msg("match attempt failed")
					continue
				}
				return err
			}
		}
	}
	return nil
}

// MatchOffer finds a counterpart for the given offer and compiles the pair
// into an unfunded contract. Returns nil without error when nothing in the
// book matches; the offer simply stays pending.
func (m *Matcher) MatchOffer(ctx context.Context, offer *contract.Offer) (*contract.Contract, error) {
	latest, err := m.store.LatestPriceMessage(ctx, offer.OraclePubkey)
	if err != nil {
		return nil, fault.Retryable("matcher", err)
	}
	if latest == nil {
		return nil, fault.Retryable("matcher", fmt.Errorf("no price history for oracle %s", offer.OraclePubkey))
	}

	candidates, err := m.store.PendingOffers(ctx, offer.OraclePubkey, offer.Side.Opposite())
	if err != nil {
		return nil, fault.Retryable("matcher", err)
	}

	for _, candidate := range candidates {
		if candidate.WalletHash == offer.WalletHash {
			continue
		}
		if !offer.Matches(candidate, latest.PriceValue, m.tolerance) {
			continue
		}

		claimed, err := m.store.ClaimMatchedOffers(ctx, offer.ID, candidate.ID)
		if err != nil {
			return nil, fault.Retryable("matcher", err)
		}
		if !claimed {
			// Another matcher took one of them; keep scanning.
			continue
		}

		c, err := m.buildContract(ctx, offer, candidate, latest)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

// buildContract compiles a matched pair into a stored unfunded contract.
// Terms that differ within tolerance resolve conservatively: the tighter
// liquidation band and the shorter duration win.
func (m *Matcher) buildContract(ctx context.Context, a, b *contract.Offer, latest *oracle.PriceMessage) (*contract.Contract, error) {
	short, long := a, b
	if short.Side != contract.SideShort {
		short, long = b, a
	}

	duration := short.DurationSeconds
	if long.DurationSeconds < duration {
		duration = long.DurationSeconds
	}
	lowMult := short.LowMultiplier
	if long.LowMultiplier > lowMult {
		lowMult = long.LowMultiplier
	}
	highMult := short.HighMultiplier
	if long.HighMultiplier < highMult {
		highMult = long.HighMultiplier
	}

	startPrice := latest.PriceValue
	lowPrice, highPrice := contract.LiquidationPrices(startPrice, lowMult, highMult)

	c := &contract.Contract{
		ContractVersion: m.contractVersion,
		Short: contract.WalletKey{
			WalletHash:    short.WalletHash,
			Pubkey:        short.Pubkey,
			PayoutAddress: short.PayoutAddress,
		},
		Long: contract.WalletKey{
			WalletHash:    long.WalletHash,
			Pubkey:        long.Pubkey,
			PayoutAddress: long.PayoutAddress,
		},
		Satoshis:                  short.Satoshis,
		StartTimestamp:            latest.MessageTimestamp,
		MaturityTimestamp:         latest.MessageTimestamp + duration,
		OraclePubkey:              short.OraclePubkey,
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

	if err := m.store.SaveContract(ctx, c); err != nil {
		return nil, fault.Retryable("matcher", err)
	}

	for _, o := range []*contract.Offer{short, long} {
		m.notifier.Publish(ctx, notify.Notification{
			Event:           notify.EventOfferMatched,
			WalletHash:      o.WalletHash,
			ContractAddress: c.Address,
			Payload:         map[string]string{"offer_id": o.ID.String()},
		})
	}

	m.log.Info().
		Str("contract", c.Address).
		Str("short_offer", short.ID.String()).
		Str("long_offer", long.ID.String()).
		Msg("offers matched into contract")
	return c, nil
}
